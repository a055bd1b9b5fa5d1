package evidencechain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSignatureInvalid is returned when agent_signature does not verify.
var ErrSignatureInvalid = errors.New("agent signature verification failed")

// ErrKeyMismatch is returned when agent_public_key differs from the key on
// record for the site (outside a declared rotation window).
var ErrKeyMismatch = errors.New("agent public key does not match the registered key for this site")

// verifyEd25519 checks that hex-encoded sig verifies over data with the
// hex-encoded public key pub.
func verifyEd25519(pubHex, sigHex string, data []byte) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// verifySignature checks that req.AgentSignature verifies over
// req.SignedData with req.AgentPublicKey.
func verifySignature(req SubmitRequest) error {
	return verifyEd25519(req.AgentPublicKey, req.AgentSignature, []byte(req.SignedData))
}

// DB wraps the pgx pool backing the evidence chain table.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB connects to Postgres and verifies the connection.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// registeredPublicKey returns the agent_public_key on file for a site, or
// "" if the site has never registered one (first submission sets it).
func (db *DB) registeredPublicKey(ctx context.Context, tx pgx.Tx, siteID string) (string, error) {
	var key *string
	err := tx.QueryRow(ctx, `SELECT agent_public_key FROM sites WHERE site_id = $1`, siteID).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if key == nil {
		return "", nil
	}
	return *key, nil
}

// lastChainRow is the most recent bundle for a site, or the zero value if
// the chain is empty.
type lastChainRow struct {
	position    int64
	currentHash string
	exists      bool
}

func (db *DB) lastChain(ctx context.Context, tx pgx.Tx, siteID string) (lastChainRow, error) {
	var row lastChainRow
	err := tx.QueryRow(ctx, `
		SELECT chain_position, current_hash FROM evidence_bundles
		WHERE site_id = $1
		ORDER BY chain_position DESC
		LIMIT 1
	`, siteID).Scan(&row.position, &row.currentHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lastChainRow{}, nil
		}
		return lastChainRow{}, err
	}
	row.exists = true
	return row, nil
}

// Submit validates and chains a new bundle, following spec §4.7 steps 1-5.
// bundleID and objectKey are generated by the caller (handler.go) before
// this call, since the WORM bytes must already be durably stored under
// objectKey — the database row only ever references the bytes and is
// never their source of truth.
func (db *DB) Submit(ctx context.Context, req SubmitRequest, bundleID, objectKey string) (*Bundle, error) {
	// Step 1: signature must verify over signed_data.
	if err := verifySignature(req); err != nil {
		return nil, err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Per-site advisory lock serializes submits so chain_position stays
	// contiguous under concurrent submitters (spec §5 ordering guarantee).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.SiteID); err != nil {
		return nil, fmt.Errorf("acquire site lock: %w", err)
	}

	// Step 2: public key must match the key on record, unless none is set yet
	// (first submission registers it).
	registered, err := db.registeredPublicKey(ctx, tx, req.SiteID)
	if err != nil {
		return nil, fmt.Errorf("load registered key: %w", err)
	}
	if registered == "" {
		if _, err := tx.Exec(ctx, `UPDATE sites SET agent_public_key = $1 WHERE site_id = $2`, req.AgentPublicKey, req.SiteID); err != nil {
			return nil, fmt.Errorf("register agent public key: %w", err)
		}
	} else if registered != req.AgentPublicKey {
		return nil, ErrKeyMismatch
	}

	// Step 3: current_hash over the exact signed bytes.
	sum := sha256.Sum256([]byte(req.SignedData))
	currentHash := hex.EncodeToString(sum[:])

	// Step 4: fetch the last chain position for this site.
	last, err := db.lastChain(ctx, tx, req.SiteID)
	if err != nil {
		return nil, fmt.Errorf("load last chain position: %w", err)
	}

	position := int64(0)
	prevHash := zeroHash
	if last.exists {
		position = last.position + 1
		prevHash = last.currentHash
	}

	checkedAt, err := time.Parse(time.RFC3339, req.CheckedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid checked_at: %w", err)
	}

	bundle := &Bundle{
		BundleID:      bundleID,
		SiteID:        req.SiteID,
		CheckedAt:     checkedAt,
		ChainPosition: position,
		PrevHash:      prevHash,
		CurrentHash:   currentHash,
		Signature:     req.AgentSignature,
		PublicKey:     req.AgentPublicKey,
		ObjectKey:     objectKey,
	}

	// Step 5: insert.
	_, err = tx.Exec(ctx, `
		INSERT INTO evidence_bundles (
			bundle_id, site_id, checked_at, chain_position,
			prev_hash, current_hash, signature, public_key, object_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, bundle.BundleID, bundle.SiteID, bundle.CheckedAt, bundle.ChainPosition,
		bundle.PrevHash, bundle.CurrentHash, bundle.Signature, bundle.PublicKey, bundle.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("insert bundle: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return bundle, nil
}

// ListBundles returns every bundle for a site, oldest first.
func (db *DB) ListBundles(ctx context.Context, siteID string) ([]Bundle, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT bundle_id, site_id, checked_at, chain_position, prev_hash, current_hash, signature, public_key, object_key
		FROM evidence_bundles
		WHERE site_id = $1
		ORDER BY chain_position ASC
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bundles []Bundle
	for rows.Next() {
		var b Bundle
		if err := rows.Scan(&b.BundleID, &b.SiteID, &b.CheckedAt, &b.ChainPosition,
			&b.PrevHash, &b.CurrentHash, &b.Signature, &b.PublicKey, &b.ObjectKey); err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	if bundles == nil {
		bundles = []Bundle{}
	}
	return bundles, rows.Err()
}

// bundleFetcher fetches the raw signed_data bytes stored under a bundle's
// object_key. Satisfied by (*Storage).Get; a function type rather than the
// concrete Storage so verifyChain stays unit-testable with a fake in tests.
type bundleFetcher func(ctx context.Context, objectKey string) ([]byte, error)

// verifyChain replays the chain for a site per spec §4.7's verify
// semantics: for every bundle, in chain_position order, it fetches the
// bundle's signed_data from WORM storage, recomputes current_hash =
// SHA256(signed_data), and checks that against the value stored on the
// row — a bundle whose bytes were altered in storage without the database
// row being touched (seed test 4, §8) is caught here, not just a stored
// current_hash comparison. It also re-verifies the Ed25519 signature over
// the fetched bytes (I4), and checks prev_hash[0] is the zero hash,
// chain_position is contiguous, and each bundle's prev_hash equals the
// *recomputed* hash of the previous bundle (not its possibly-tampered
// stored current_hash).
func verifyChain(ctx context.Context, bundles []Bundle, fetch bundleFetcher) VerifyResponse {
	if len(bundles) == 0 {
		return VerifyResponse{Status: "ok", BundleCount: 0}
	}

	if bundles[0].ChainPosition != 0 {
		pos := bundles[0].ChainPosition
		return VerifyResponse{Status: "inconsistent", BundleCount: len(bundles), FailPosition: &pos,
			Reason: "chain does not start at position 0"}
	}
	if bundles[0].PrevHash != zeroHash {
		pos := bundles[0].ChainPosition
		return VerifyResponse{Status: "inconsistent", BundleCount: len(bundles), FailPosition: &pos,
			Reason: "prev_hash[0] is not the zero hash"}
	}

	prevRecomputed := zeroHash
	for i, b := range bundles {
		if i > 0 && b.ChainPosition != bundles[i-1].ChainPosition+1 {
			pos := b.ChainPosition
			return VerifyResponse{Status: "inconsistent", BundleCount: len(bundles), FailPosition: &pos,
				Reason: "chain_position is not contiguous"}
		}

		signedData, err := fetch(ctx, b.ObjectKey)
		if err != nil {
			pos := b.ChainPosition
			return VerifyResponse{Status: "inconsistent", BundleCount: len(bundles), FailPosition: &pos,
				Reason: fmt.Sprintf("failed to fetch bundle bytes: %v", err)}
		}

		sum := sha256.Sum256(signedData)
		recomputed := hex.EncodeToString(sum[:])
		if recomputed != b.CurrentHash {
			pos := b.ChainPosition
			return VerifyResponse{Status: "inconsistent", BundleCount: len(bundles), FailPosition: &pos,
				Reason: "recomputed current_hash does not match the stored signed_data"}
		}

		if err := verifyEd25519(b.PublicKey, b.Signature, signedData); err != nil {
			pos := b.ChainPosition
			return VerifyResponse{Status: "inconsistent", BundleCount: len(bundles), FailPosition: &pos,
				Reason: "signature no longer verifies over the stored signed_data"}
		}

		if b.PrevHash != prevRecomputed {
			pos := b.ChainPosition
			return VerifyResponse{Status: "inconsistent", BundleCount: len(bundles), FailPosition: &pos,
				Reason: fmt.Sprintf("expected_prev_hash %s != recomputed_hash_of_previous %s", b.PrevHash, prevRecomputed)}
		}

		prevRecomputed = recomputed
	}

	return VerifyResponse{Status: "ok", BundleCount: len(bundles)}
}

// ServerPublicKey returns the hex-encoded Ed25519 public key the Control
// Plane itself uses to countersign verify responses shown in the client
// portal, derived the same way sites' agent keys are stored.
func (db *DB) ServerPublicKey(ctx context.Context) (string, error) {
	var key *string
	err := db.pool.QueryRow(ctx, `SELECT value FROM control_plane_settings WHERE key = 'evidence_signer_public_key'`).Scan(&key)
	if err != nil || key == nil {
		return "", err
	}
	return *key, nil
}
