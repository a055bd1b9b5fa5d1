package provisioning

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrClaimCodeInvalid is returned when a claim code doesn't match any
// pending provisioning row, or has already been redeemed.
var ErrClaimCodeInvalid = errors.New("claim code invalid or already redeemed")

// DB wraps the pgx pool backing the provisioning tables.
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

// generateAPIKey returns a random 32-byte hex-encoded API key, the same
// shape as the existing appliance_provisioning.api_key column.
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ValidateAPIKey checks a bearer token against the provisioned key for a
// site, mirroring checkin.DB.ValidateAPIKey (duplicated rather than
// imported to keep this package's only dependency on Postgres, not on
// the checkin package).
func (db *DB) ValidateAPIKey(ctx context.Context, siteID, apiKey string) (bool, error) {
	var storedKey *string
	err := db.pool.QueryRow(ctx,
		`SELECT api_key FROM appliance_provisioning WHERE site_id = $1`,
		siteID,
	).Scan(&storedKey)
	if err != nil {
		return false, nil
	}
	if storedKey == nil || *storedKey == "" {
		return false, nil
	}
	return *storedKey == apiKey, nil
}

// Claim redeems a one-time claim code: it locates the pending
// appliance_provisioning row, assigns a freshly generated API key, and
// marks the row claimed so the same code cannot be redeemed twice.
func (db *DB) Claim(ctx context.Context, req ClaimRequest) (*ClaimResponse, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var siteID string
	err = tx.QueryRow(ctx, `
		SELECT site_id FROM appliance_provisioning
		WHERE claim_code = $1 AND claimed_at IS NULL
		FOR UPDATE
	`, req.ClaimCode).Scan(&siteID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimCodeInvalid
		}
		return nil, fmt.Errorf("lookup claim code: %w", err)
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE appliance_provisioning
		SET api_key = $1, claimed_at = NOW(), claimed_hostname = $2, claimed_mac_address = $3
		WHERE site_id = $4
	`, apiKey, req.Hostname, req.MACAddress, siteID)
	if err != nil {
		return nil, fmt.Errorf("claim provisioning row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &ClaimResponse{SiteID: siteID, APIKey: apiKey}, nil
}

// SaveDiscoveredDomain upserts the most recent domain-discovery result for
// a site (one row per site: later discoveries replace earlier ones).
func (db *DB) SaveDiscoveredDomain(ctx context.Context, d DiscoveredDomain) error {
	controllers, err := json.Marshal(d.DomainControllers)
	if err != nil {
		return fmt.Errorf("marshal domain_controllers: %w", err)
	}
	dnsServers, err := json.Marshal(d.DNSServers)
	if err != nil {
		return fmt.Errorf("marshal dns_servers: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO discovered_domains (
			site_id, appliance_id, domain_name, netbios_name,
			domain_controllers, dns_servers, discovered_at, discovery_method
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8)
		ON CONFLICT (site_id) DO UPDATE SET
			appliance_id = EXCLUDED.appliance_id,
			domain_name = EXCLUDED.domain_name,
			netbios_name = EXCLUDED.netbios_name,
			domain_controllers = EXCLUDED.domain_controllers,
			dns_servers = EXCLUDED.dns_servers,
			discovered_at = EXCLUDED.discovered_at,
			discovery_method = EXCLUDED.discovery_method
	`, d.SiteID, d.ApplianceID, d.DomainName, d.NetBIOSName, controllers, dnsServers, d.DiscoveredAt, d.DiscoveryMethod)
	return err
}

// SaveEnumerationResult stores an AD computer enumeration report as a
// single JSON row, tagged with its site and enumerated_at time, so the portal can
// show a history of enumeration runs rather than just the latest.
func (db *DB) SaveEnumerationResult(ctx context.Context, r EnumerationResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal enumeration result: %w", err)
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO ad_enumeration_results (site_id, appliance_id, enumerated_at, total_found, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, r.SiteID, r.ApplianceID, r.EnumeratedAt, r.TotalFound, payload)
	return err
}

// GetDomainCredentials returns the stored domain admin credentials for a
// site, or nil if none have been entered yet.
func (db *DB) GetDomainCredentials(ctx context.Context, siteID string) (*DomainCredentials, error) {
	var c DomainCredentials
	c.SiteID = siteID
	err := db.pool.QueryRow(ctx, `
		SELECT domain_controller, domain, username, password, updated_at
		FROM site_domain_credentials
		WHERE site_id = $1
	`, siteID).Scan(&c.DomainController, &c.Domain, &c.Username, &c.Password, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// SaveDomainCredentials upserts the domain admin credentials for a site.
func (db *DB) SaveDomainCredentials(ctx context.Context, c DomainCredentials) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO site_domain_credentials (site_id, domain_controller, domain, username, password, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (site_id) DO UPDATE SET
			domain_controller = EXCLUDED.domain_controller,
			domain = EXCLUDED.domain,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			updated_at = NOW()
	`, c.SiteID, c.DomainController, c.Domain, c.Username, c.Password)
	return err
}
