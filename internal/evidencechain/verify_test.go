package evidencechain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
)

// fakeStore is an in-memory bundleFetcher standing in for WORM storage.
type fakeStore map[string][]byte

func (s fakeStore) fetch(ctx context.Context, objectKey string) ([]byte, error) {
	data, ok := s[objectKey]
	if !ok {
		return nil, fmt.Errorf("no object %s", objectKey)
	}
	return data, nil
}

// buildChain signs n bundles of distinct payloads and chains them, writing
// each bundle's signed_data into store under its object key. Returns the
// bundles in chain order.
func buildChain(t *testing.T, store fakeStore, n int) []Bundle {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubHex := hex.EncodeToString(pub)

	bundles := make([]Bundle, n)
	prevHash := zeroHash
	for i := 0; i < n; i++ {
		objectKey := fmt.Sprintf("site/bundle-%d.json", i)
		payload := []byte(fmt.Sprintf(`{"n":%d}`, i))
		store[objectKey] = payload

		sum := sha256.Sum256(payload)
		currentHash := hex.EncodeToString(sum[:])
		sig := ed25519.Sign(priv, payload)

		bundles[i] = Bundle{
			BundleID:      fmt.Sprintf("bundle-%d", i),
			ChainPosition: int64(i),
			PrevHash:      prevHash,
			CurrentHash:   currentHash,
			Signature:     hex.EncodeToString(sig),
			PublicKey:     pubHex,
			ObjectKey:     objectKey,
		}
		prevHash = currentHash
	}
	return bundles
}

func TestVerifyChain_EmptyChainIsOK(t *testing.T) {
	resp := verifyChain(context.Background(), nil, fakeStore{}.fetch)
	if resp.Status != "ok" || resp.BundleCount != 0 {
		t.Fatalf("expected ok/0, got %+v", resp)
	}
}

func TestVerifyChain_ValidChainIsOK(t *testing.T) {
	store := fakeStore{}
	bundles := buildChain(t, store, 3)
	resp := verifyChain(context.Background(), bundles, store.fetch)
	if resp.Status != "ok" || resp.BundleCount != 3 {
		t.Fatalf("expected ok/3, got %+v", resp)
	}
}

// TestVerifyChain_TamperedStorageBytesDetected mirrors seed test 4 (§8):
// the signed_data bytes are altered in WORM storage without touching the
// database row's current_hash, so recomputing the hash from storage must
// catch the tamper even though the stored metadata alone looks consistent.
func TestVerifyChain_TamperedStorageBytesDetected(t *testing.T) {
	store := fakeStore{}
	bundles := buildChain(t, store, 3)
	store[bundles[1].ObjectKey] = []byte(`{"n":"tampered"}`)

	resp := verifyChain(context.Background(), bundles, store.fetch)
	if resp.Status != "inconsistent" {
		t.Fatalf("expected inconsistent, got %+v", resp)
	}
	if resp.FailPosition == nil || *resp.FailPosition != 1 {
		t.Fatalf("expected first inconsistency at position 1, got %+v", resp.FailPosition)
	}
}

func TestVerifyChain_TamperedSignatureDetected(t *testing.T) {
	store := fakeStore{}
	bundles := buildChain(t, store, 2)
	// Leave the stored bytes and current_hash untouched, so the recomputed
	// hash still matches, but swap the public key so the signature no longer
	// verifies over the stored bytes.
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bundles[0].PublicKey = hex.EncodeToString(otherPub)

	resp := verifyChain(context.Background(), bundles, store.fetch)
	if resp.Status != "inconsistent" {
		t.Fatalf("expected inconsistent, got %+v", resp)
	}
	if resp.FailPosition == nil || *resp.FailPosition != 0 {
		t.Fatalf("expected first inconsistency at position 0, got %+v", resp.FailPosition)
	}
}

func TestVerifyChain_NonZeroRootDetected(t *testing.T) {
	store := fakeStore{}
	bundles := buildChain(t, store, 1)
	bundles[0].PrevHash = "not-the-zero-hash"

	resp := verifyChain(context.Background(), bundles, store.fetch)
	if resp.Status != "inconsistent" {
		t.Fatalf("expected inconsistent root, got %+v", resp)
	}
}

func TestVerifyChain_NonContiguousPositionDetected(t *testing.T) {
	store := fakeStore{}
	bundles := buildChain(t, store, 2)
	bundles[1].ChainPosition = 2 // skipped position 1

	resp := verifyChain(context.Background(), bundles, store.fetch)
	if resp.Status != "inconsistent" || resp.Reason != "chain_position is not contiguous" {
		t.Fatalf("expected contiguity failure, got %+v", resp)
	}
}

func TestVerifyChain_FetchErrorDetected(t *testing.T) {
	store := fakeStore{}
	bundles := buildChain(t, store, 2)
	delete(store, bundles[1].ObjectKey)

	resp := verifyChain(context.Background(), bundles, store.fetch)
	if resp.Status != "inconsistent" {
		t.Fatalf("expected inconsistent, got %+v", resp)
	}
	if resp.FailPosition == nil || *resp.FailPosition != 1 {
		t.Fatalf("expected first inconsistency at position 1, got %+v", resp.FailPosition)
	}
}
