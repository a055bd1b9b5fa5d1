package evidencechain

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Handler serves the evidence chain HTTP surface for the Control Plane.
type Handler struct {
	db      *DB
	storage *Storage
}

// NewHandler creates a new evidence chain handler.
func NewHandler(db *DB, storage *Storage) *Handler {
	return &Handler{db: db, storage: storage}
}

// RegisterRoutes mounts the evidence chain routes on r.
func RegisterRoutes(r *mux.Router, h *Handler) {
	r.HandleFunc("/api/evidence/sites/{id}/submit", h.submit).Methods(http.MethodPost)
	r.HandleFunc("/api/evidence/sites/{id}/verify", h.verify).Methods(http.MethodGet)
	r.HandleFunc("/api/evidence/sites/{id}/bundles", h.bundles).Methods(http.MethodGet)
	r.HandleFunc("/api/evidence/public-key", h.publicKey).Methods(http.MethodGet)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["id"]

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	req.SiteID = siteID

	// The signature is checked again inside db.Submit under the per-site
	// lock (the authoritative check); this pre-check just avoids writing
	// bundle bytes to WORM storage for a request that will be rejected.
	if err := verifySignature(req); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	bundleID := uuid.NewString()
	objectKey := ObjectKey(siteID, bundleID)
	if err := h.storage.Put(r.Context(), objectKey, []byte(req.SignedData)); err != nil {
		log.Printf("[evidencechain] submit %s: WORM write failed: %v", siteID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bundle storage failed"})
		return
	}

	bundle, err := h.db.Submit(r.Context(), req, bundleID, objectKey)
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureInvalid):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrKeyMismatch):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		default:
			log.Printf("[evidencechain] submit %s failed: %v", siteID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "submit failed"})
		}
		return
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		BundleID:      bundle.BundleID,
		ChainPosition: bundle.ChainPosition,
		CurrentHash:   bundle.CurrentHash,
	})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["id"]
	bundles, err := h.db.ListBundles(r.Context(), siteID)
	if err != nil {
		log.Printf("[evidencechain] verify %s failed: %v", siteID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "verify failed"})
		return
	}
	resp := verifyChain(r.Context(), bundles, h.storage.Get)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) bundles(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["id"]
	bundles, err := h.db.ListBundles(r.Context(), siteID)
	if err != nil {
		log.Printf("[evidencechain] list bundles %s failed: %v", siteID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	writeJSON(w, http.StatusOK, bundles)
}

func (h *Handler) publicKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.db.ServerPublicKey(r.Context())
	if err != nil {
		log.Printf("[evidencechain] public key lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": key})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
