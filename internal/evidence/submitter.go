package evidence

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sentinel-health/appliance/internal/catalog"
)

// DriftFinding represents a single drift condition found during scanning.
type DriftFinding struct {
	Hostname     string
	CheckType    string
	Expected     string
	Actual       string
	HIPAAControl string
	Severity     string
}

// Submitter builds and submits evidence bundles to Central Command.
type Submitter struct {
	siteID      string
	apiEndpoint string
	apiKey      string
	signingKey  ed25519.PrivateKey
	publicKeyHex string
	client      *http.Client
}

// NewSubmitter creates a new evidence submitter.
func NewSubmitter(siteID, apiEndpoint, apiKey string, key ed25519.PrivateKey, pubHex string) *Submitter {
	return &Submitter{
		siteID:       siteID,
		apiEndpoint:  strings.TrimRight(apiEndpoint, "/"),
		apiKey:       apiKey,
		signingKey:   key,
		publicKeyHex: pubHex,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// canonicalCheck is one check entry within the signed payload. Field order
// is load-bearing: encoding/json marshals struct fields in declaration
// order, and the backend re-derives the signature over the exact same
// byte sequence, so this order must match the agent-side signer bit for
// bit. Do not reorder these fields or switch back to a map.
type canonicalCheck struct {
	Check        string `json:"check"`
	Hostname     string `json:"hostname"`
	Status       string `json:"status"`
	Expected     string `json:"expected,omitempty"`
	Actual       string `json:"actual,omitempty"`
	HIPAAControl string `json:"hipaa_control,omitempty"`
}

type canonicalSummary struct {
	TotalChecks  int `json:"total_checks"`
	Compliant    int `json:"compliant"`
	NonCompliant int `json:"non_compliant"`
	ScannedHosts int `json:"scanned_hosts"`
}

// canonicalPayload is the exact byte sequence that gets signed and that
// the backend re-signs for verification. Field order matches spec §6.5.
type canonicalPayload struct {
	SiteID    string           `json:"site_id"`
	CheckedAt string           `json:"checked_at"`
	Checks    []canonicalCheck `json:"checks"`
	Summary   canonicalSummary `json:"summary"`
}

// bundlePayload matches the EvidenceBundleSubmit Pydantic model on the backend.
type bundlePayload struct {
	SiteID         string           `json:"site_id"`
	CheckedAt      string           `json:"checked_at"`
	Checks         []canonicalCheck `json:"checks"`
	Summary        canonicalSummary `json:"summary"`
	AgentSignature string           `json:"agent_signature"`
	AgentPublicKey string           `json:"agent_public_key"`
	SignedData     string           `json:"signed_data"`
}

// BuildAndSubmit packages drift findings from Windows hosts into a
// compliance evidence bundle and submits it to Central Command.
func (s *Submitter) BuildAndSubmit(ctx context.Context, findings []DriftFinding, scannedHosts []string) error {
	return s.buildAndSubmit(ctx, findings, scannedHosts, catalog.Windows)
}

// BuildAndSubmitLinux packages drift findings from Linux hosts into a
// compliance evidence bundle and submits it to Central Command.
func (s *Submitter) BuildAndSubmitLinux(ctx context.Context, findings []DriftFinding, scannedHosts []string) error {
	return s.buildAndSubmit(ctx, findings, scannedHosts, catalog.Linux)
}

// buildAndSubmit cross-joins scannedHosts against checkTypes: for each
// host, every check in checkTypes is reported, as "fail" if a matching
// DriftFinding exists and "pass" otherwise (no drift = compliant).
func (s *Submitter) buildAndSubmit(ctx context.Context, findings []DriftFinding, scannedHosts []string, checkTypes []catalog.Check) error {
	if len(scannedHosts) == 0 {
		return nil // nothing scanned, nothing to submit
	}

	now := time.Now().UTC()

	// Build a lookup: "hostname:check_type" -> finding
	driftMap := make(map[string]*DriftFinding, len(findings))
	for i := range findings {
		key := findings[i].Hostname + ":" + findings[i].CheckType
		driftMap[key] = &findings[i]
	}

	var checks []canonicalCheck
	compliant := 0
	nonCompliant := 0

	for _, host := range scannedHosts {
		for _, ct := range checkTypes {
			key := host + ":" + ct.Type
			check := canonicalCheck{
				Check:    ct.Type,
				Hostname: host,
			}

			if f, found := driftMap[key]; found {
				check.Status = "fail"
				check.Expected = f.Expected
				check.Actual = f.Actual
				if f.HIPAAControl != "" {
					check.HIPAAControl = f.HIPAAControl
				} else {
					check.HIPAAControl = ct.HIPAAControl
				}
				nonCompliant++
			} else {
				check.Status = "pass"
				compliant++
			}

			checks = append(checks, check)
		}
	}

	summary := canonicalSummary{
		TotalChecks:  compliant + nonCompliant,
		Compliant:    compliant,
		NonCompliant: nonCompliant,
		ScannedHosts: len(scannedHosts),
	}

	signedObj := canonicalPayload{
		SiteID:    s.siteID,
		CheckedAt: now.Format(time.RFC3339),
		Checks:    checks,
		Summary:   summary,
	}
	signedBytes, err := json.Marshal(signedObj)
	if err != nil {
		return fmt.Errorf("marshal signed_data: %w", err)
	}
	signedData := string(signedBytes)

	// Sign
	signature := Sign(s.signingKey, signedBytes)

	payload := bundlePayload{
		SiteID:         s.siteID,
		CheckedAt:      now.Format(time.RFC3339),
		Checks:         checks,
		Summary:        summary,
		AgentSignature: signature,
		AgentPublicKey: s.publicKeyHex,
		SignedData:     signedData,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	url := s.apiEndpoint + "/api/evidence/sites/" + s.siteID + "/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit evidence: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("evidence submit returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		BundleID      string `json:"bundle_id"`
		ChainPosition int    `json:"chain_position"`
	}
	if err := json.Unmarshal(respBody, &result); err == nil {
		log.Printf("[evidence] Submitted: bundle=%s chain_pos=%d checks=%d compliant=%d/%d",
			result.BundleID, result.ChainPosition, compliant+nonCompliant, compliant, compliant+nonCompliant)
	}

	return nil
}
