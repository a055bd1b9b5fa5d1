package evidence

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sentinel-health/appliance/internal/catalog"
)

func TestBuildAndSubmit_NoHosts(t *testing.T) {
	s := NewSubmitter("site-1", "http://localhost", "key", nil, "")
	err := s.BuildAndSubmit(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("expected nil for empty hosts, got: %v", err)
	}
}

func TestBuildAndSubmit_AllPass(t *testing.T) {
	dir := t.TempDir()
	priv, pubHex, err := LoadOrCreateSigningKey(dir + "/signing.key")
	if err != nil {
		t.Fatal(err)
	}

	var receivedPayload bundlePayload

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedPayload)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bundle_id":"CB-test","chain_position":1,"prev_hash":null,"current_hash":"abc123"}`))
	}))
	defer ts.Close()

	s := NewSubmitter("site-1", ts.URL, "test-key", priv, pubHex)

	// No findings = all pass
	err = s.BuildAndSubmit(context.Background(), nil, []string{"dc01", "ws01"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantChecks := len(catalog.Windows) * 2
	if len(receivedPayload.Checks) != wantChecks {
		t.Fatalf("expected %d checks, got %d", wantChecks, len(receivedPayload.Checks))
	}

	summary := receivedPayload.Summary
	if summary.Compliant != wantChecks {
		t.Fatalf("expected %d compliant, got %d", wantChecks, summary.Compliant)
	}
	if summary.NonCompliant != 0 {
		t.Fatalf("expected 0 non_compliant, got %d", summary.NonCompliant)
	}

	// Verify signature and public key were sent
	if receivedPayload.AgentPublicKey != pubHex {
		t.Fatalf("public key mismatch")
	}
	if receivedPayload.AgentSignature == "" {
		t.Fatal("signature not sent")
	}
	if receivedPayload.SignedData == "" {
		t.Fatal("signed_data not sent")
	}
}

func TestBuildAndSubmit_WithDrift(t *testing.T) {
	dir := t.TempDir()
	priv, pubHex, err := LoadOrCreateSigningKey(dir + "/signing.key")
	if err != nil {
		t.Fatal(err)
	}

	var receivedPayload bundlePayload

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedPayload)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bundle_id":"CB-test","chain_position":2,"prev_hash":"abc","current_hash":"def"}`))
	}))
	defer ts.Close()

	s := NewSubmitter("site-1", ts.URL, "test-key", priv, pubHex)

	findings := []DriftFinding{
		{Hostname: "dc01", CheckType: "firewall_status", Expected: "True", Actual: "False", HIPAAControl: "164.312(a)(1)"},
		{Hostname: "dc01", CheckType: "windows_defender", Expected: "Running", Actual: "Stopped", HIPAAControl: "164.308(a)(5)(ii)(B)"},
	}

	err = s.BuildAndSubmit(context.Background(), findings, []string{"dc01"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantChecks := len(catalog.Windows)
	if len(receivedPayload.Checks) != wantChecks {
		t.Fatalf("expected %d checks, got %d", wantChecks, len(receivedPayload.Checks))
	}

	summary := receivedPayload.Summary
	if summary.Compliant != wantChecks-2 {
		t.Fatalf("expected %d compliant, got %d", wantChecks-2, summary.Compliant)
	}
	if summary.NonCompliant != 2 {
		t.Fatalf("expected 2 non_compliant, got %d", summary.NonCompliant)
	}

	failCount := 0
	for _, check := range receivedPayload.Checks {
		if check.Status == "fail" {
			failCount++
		}
	}
	if failCount != 2 {
		t.Fatalf("expected 2 failed checks, got %d", failCount)
	}
}

func TestBuildAndSubmitLinux_UsesLinuxCatalog(t *testing.T) {
	dir := t.TempDir()
	priv, pubHex, err := LoadOrCreateSigningKey(dir + "/signing.key")
	if err != nil {
		t.Fatal(err)
	}

	var receivedPayload bundlePayload

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedPayload)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bundle_id":"CB-test","chain_position":3,"prev_hash":"def","current_hash":"ghi"}`))
	}))
	defer ts.Close()

	s := NewSubmitter("site-1", ts.URL, "test-key", priv, pubHex)

	err = s.BuildAndSubmitLinux(context.Background(), nil, []string{"db01"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(receivedPayload.Checks) != len(catalog.Linux) {
		t.Fatalf("expected %d checks, got %d", len(catalog.Linux), len(receivedPayload.Checks))
	}
	if receivedPayload.Checks[0].Check != catalog.Linux[0].Type {
		t.Fatalf("expected first check %q, got %q", catalog.Linux[0].Type, receivedPayload.Checks[0].Check)
	}
}

func TestBuildAndSubmit_ServerError(t *testing.T) {
	dir := t.TempDir()
	priv, pubHex, _ := LoadOrCreateSigningKey(dir + "/signing.key")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte(`{"detail":"server error"}`))
	}))
	defer ts.Close()

	s := NewSubmitter("site-1", ts.URL, "test-key", priv, pubHex)
	err := s.BuildAndSubmit(context.Background(), nil, []string{"dc01"})
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
}
