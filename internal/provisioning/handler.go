package provisioning

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// Handler serves the provisioning endpoints.
type Handler struct {
	db        *DB
	authToken string // static Bearer token, checked the same way checkin.Handler does
}

// NewHandler creates a new provisioning handler. authToken may be empty to
// disable bearer-token checks altogether: with no static token, the
// domain-discovered/enumeration-results/domain-credentials routes accept
// requests without checking the per-site API key either.
func NewHandler(db *DB, authToken string) *Handler {
	return &Handler{db: db, authToken: authToken}
}

// RegisterRoutes mounts the provisioning endpoints on a gorilla/mux router.
func RegisterRoutes(r *mux.Router, h *Handler) {
	r.HandleFunc("/api/provision/claim", h.claim).Methods(http.MethodPost)
	r.HandleFunc("/api/appliances/domain-discovered", h.domainDiscovered).Methods(http.MethodPost)
	r.HandleFunc("/api/appliances/enumeration-results", h.enumerationResults).Methods(http.MethodPost)
	r.HandleFunc("/api/sites/{id}/domain-credentials", h.domainCredentials).Methods(http.MethodGet, http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header,
// or "" if the header is missing or malformed.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// authorizeSite validates the request's bearer token against the static
// auth token or the site's provisioned API key. Mirrors
// checkin.Handler.ServeHTTP's dual-check.
func (h *Handler) authorizeSite(r *http.Request, siteID string) bool {
	if h.authToken == "" {
		return true
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	if token == h.authToken {
		return true
	}
	valid, err := h.db.ValidateAPIKey(r.Context(), siteID, token)
	if err != nil {
		log.Printf("[provisioning] auth check error for %s: %v", siteID, err)
		return false
	}
	return valid
}

// claim handles POST /api/provision/claim. It is intentionally unauthenticated
// beyond the claim code itself — the code is the credential, issued
// out-of-band by an operator and single-use.
func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.ClaimCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "claim_code is required"})
		return
	}

	resp, err := h.db.Claim(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrClaimCodeInvalid) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		log.Printf("[provisioning] claim failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "claim failed"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) domainDiscovered(w http.ResponseWriter, r *http.Request) {
	var req DiscoveredDomain
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.SiteID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "site_id is required"})
		return
	}
	if !h.authorizeSite(r, req.SiteID) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing Bearer token"})
		return
	}

	if err := h.db.SaveDiscoveredDomain(r.Context(), req); err != nil {
		log.Printf("[provisioning] save discovered domain failed for %s: %v", req.SiteID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "save failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) enumerationResults(w http.ResponseWriter, r *http.Request) {
	var req EnumerationResult
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.SiteID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "site_id is required"})
		return
	}
	if !h.authorizeSite(r, req.SiteID) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing Bearer token"})
		return
	}

	if err := h.db.SaveEnumerationResult(r.Context(), req); err != nil {
		log.Printf("[provisioning] save enumeration result failed for %s: %v", req.SiteID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "save failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) domainCredentials(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["id"]
	if siteID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "site id is required"})
		return
	}
	if !h.authorizeSite(r, siteID) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing Bearer token"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		creds, err := h.db.GetDomainCredentials(r.Context(), siteID)
		if err != nil {
			log.Printf("[provisioning] load domain credentials failed for %s: %v", siteID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "load failed"})
			return
		}
		if creds == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no domain credentials on file"})
			return
		}
		writeJSON(w, http.StatusOK, creds)

	case http.MethodPost:
		var req DomainCredentials
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		req.SiteID = siteID
		if err := h.db.SaveDomainCredentials(r.Context(), req); err != nil {
			log.Printf("[provisioning] save domain credentials failed for %s: %v", siteID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "save failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
