// Package evidencechain implements the Control Plane's append-only, per-site
// hash-chained storage for signed compliance evidence bundles.
package evidencechain

import (
	"strings"
	"time"
)

// SubmitRequest is the body of POST /api/evidence/sites/{id}/submit.
type SubmitRequest struct {
	SiteID         string `json:"site_id"`
	CheckedAt      string `json:"checked_at"`
	SignedData     string `json:"signed_data"`     // canonical JSON payload that was signed
	AgentSignature string `json:"agent_signature"` // hex-encoded Ed25519 signature
	AgentPublicKey string `json:"agent_public_key"` // hex-encoded Ed25519 public key
}

// SubmitResponse confirms a bundle was chained.
type SubmitResponse struct {
	BundleID      string `json:"bundle_id"`
	ChainPosition int64  `json:"chain_position"`
	CurrentHash   string `json:"current_hash"`
}

// Bundle is a single chained evidence row.
type Bundle struct {
	BundleID      string    `json:"bundle_id"`
	SiteID        string    `json:"site_id"`
	CheckedAt     time.Time `json:"checked_at"`
	ChainPosition int64     `json:"chain_position"`
	PrevHash      string    `json:"prev_hash"`
	CurrentHash   string    `json:"current_hash"`
	Signature     string    `json:"signature"`
	PublicKey     string    `json:"public_key"`
	ObjectKey     string    `json:"object_key"`
}

// VerifyResponse is returned by GET /api/evidence/sites/{id}/verify.
type VerifyResponse struct {
	Status       string `json:"status"` // "ok" or "inconsistent"
	BundleCount  int    `json:"bundle_count"`
	FailPosition *int64 `json:"fail_position,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// zeroHash is the 64-hex-char root of every per-site chain (SHA-256 width).
var zeroHash = strings.Repeat("0", 64)
