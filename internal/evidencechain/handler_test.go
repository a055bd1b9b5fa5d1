package evidencechain

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func newSubmitRequest(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, signedData string) SubmitRequest {
	t.Helper()
	sig := ed25519.Sign(priv, []byte(signedData))
	return SubmitRequest{
		CheckedAt:      "2026-07-31T00:00:00Z",
		SignedData:     signedData,
		AgentSignature: hex.EncodeToString(sig),
		AgentPublicKey: hex.EncodeToString(pub),
	}
}

func TestSubmitRejectsBadJSON(t *testing.T) {
	h := &Handler{}
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/evidence/sites/site-1/submit", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSubmitRejectsInvalidSignature(t *testing.T) {
	h := &Handler{}
	router := newTestRouter(h)

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	// Signed with a different key than the one forwarded, so it will never verify.
	bad := newSubmitRequest(t, pub, otherPriv, `{"site_id":"site-1"}`)

	body, _ := json.Marshal(bad)
	req := httptest.NewRequest(http.MethodPost, "/api/evidence/sites/site-1/submit", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid signature, got %d", w.Code)
	}
}

func newTestRouter(h *Handler) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/evidence/sites/{id}/submit", h.submit).Methods(http.MethodPost)
	return r
}
