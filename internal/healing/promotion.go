package healing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PromotionConfig controls the Pattern Promotion worker's thresholds and
// polling cadence.
type PromotionConfig struct {
	Interval       time.Duration // how often to scan for candidates, default 1h
	MinSampleCount int           // default 10
	MinSuccessRate float64       // default 0.8
}

// DefaultPromotionConfig returns spec-mandated defaults.
func DefaultPromotionConfig() PromotionConfig {
	return PromotionConfig{
		Interval:       time.Hour,
		MinSampleCount: 10,
		MinSuccessRate: 0.8,
	}
}

// promotionCandidate is one pattern_signature's aggregated L2 execution
// history, read from l2_executions.
type promotionCandidate struct {
	SiteID            string
	PatternSignature  string
	RecommendedAction string
	Count             int
	SuccessCount      int
}

func (c promotionCandidate) successRate() float64 {
	if c.Count == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(c.Count)
}

// Promoter runs the Control Plane's pattern promotion pipeline: it watches
// L2 execution telemetry for patterns that have proven themselves, writes
// them into synced_rules as source=synced (builtin rules are never
// touched), and enqueues a sync_rules order for every appliance on the
// affected site so the new rule reaches L1 on the next checkin.
type Promoter struct {
	pool   *pgxpool.Pool
	config PromotionConfig
}

// NewPromoter builds a Promoter against an existing Control Plane pool.
func NewPromoter(pool *pgxpool.Pool, config PromotionConfig) *Promoter {
	if config.Interval == 0 {
		config.Interval = DefaultPromotionConfig().Interval
	}
	if config.MinSampleCount == 0 {
		config.MinSampleCount = DefaultPromotionConfig().MinSampleCount
	}
	if config.MinSuccessRate == 0 {
		config.MinSuccessRate = DefaultPromotionConfig().MinSuccessRate
	}
	return &Promoter{pool: pool, config: config}
}

// Run blocks, scanning for promotable patterns on config.Interval until ctx
// is cancelled. Mirrors the appliance daemon's ticker-driven main loop.
func (p *Promoter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	log.Printf("[promotion] worker started (interval: %s)", p.config.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("[promotion] worker stopping")
			return
		case <-ticker.C:
			if err := p.runOnce(ctx); err != nil {
				log.Printf("[promotion] cycle failed: %v", err)
			}
		}
	}
}

// runOnce executes one candidate-generation -> evaluate -> promote -> notify
// pass. Exported indirectly via Run; split out so tests can drive a single
// pass deterministically.
func (p *Promoter) runOnce(ctx context.Context) error {
	candidates, err := p.candidates(ctx)
	if err != nil {
		return fmt.Errorf("candidate generation: %w", err)
	}

	for _, c := range candidates {
		if !p.eligible(c) {
			continue
		}
		ruleID, err := p.promote(ctx, c)
		if err != nil {
			log.Printf("[promotion] promote %s/%s failed: %v", c.SiteID, c.PatternSignature, err)
			continue
		}
		if err := p.notifySite(ctx, c.SiteID, ruleID); err != nil {
			log.Printf("[promotion] notify site %s failed: %v", c.SiteID, err)
		}
	}
	return nil
}

// eligible implements step 1: count/success-rate/consistency thresholds.
func (p *Promoter) eligible(c promotionCandidate) bool {
	if c.Count < p.config.MinSampleCount {
		return false
	}
	if c.successRate() < p.config.MinSuccessRate {
		return false
	}
	if c.RecommendedAction == "" {
		return false
	}
	return true
}

// candidates implements step 0: aggregate l2_executions by
// (site_id, pattern_signature), keeping the recommended_action only when it
// was consistent across the whole window (MIN = MAX means every row agrees;
// a pattern whose recommendation flip-flopped is excluded rather than
// promoted on a majority vote).
func (p *Promoter) candidates(ctx context.Context) ([]promotionCandidate, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT site_id, pattern_signature,
		       MIN(recommended_action) AS min_action,
		       MAX(recommended_action) AS max_action,
		       COUNT(*) AS n,
		       COUNT(*) FILTER (WHERE success) AS n_success
		FROM l2_executions
		WHERE pattern_signature IS NOT NULL AND pattern_signature != ''
		AND NOT EXISTS (
			SELECT 1 FROM synced_rules sr
			WHERE sr.site_id = l2_executions.site_id
			AND sr.pattern_signature = l2_executions.pattern_signature
		)
		GROUP BY site_id, pattern_signature
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []promotionCandidate
	for rows.Next() {
		var c promotionCandidate
		var minAction, maxAction string
		if err := rows.Scan(&c.SiteID, &c.PatternSignature, &minAction, &maxAction, &c.Count, &c.SuccessCount); err != nil {
			return nil, err
		}
		if minAction != maxAction {
			// recommended_action was not consistent across the window; skip.
			continue
		}
		c.RecommendedAction = minAction
		out = append(out, c)
	}
	return out, rows.Err()
}

// promote implements step 2: insert into synced_rules with source=synced.
// builtin rules (source=builtin) are a disjoint set this query never
// touches — there is no UPDATE path here, only INSERT of new rows.
func (p *Promoter) promote(ctx context.Context, c promotionCandidate) (string, error) {
	ruleID := fmt.Sprintf("synced-%s-%s", c.SiteID, c.PatternSignature)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO synced_rules (
			rule_id, site_id, pattern_signature, action, source,
			sample_count, success_rate, promoted_at
		) VALUES ($1, $2, $3, $4, 'synced', $5, $6, NOW())
		ON CONFLICT (rule_id) DO NOTHING
	`, ruleID, c.SiteID, c.PatternSignature, c.RecommendedAction, c.Count, c.successRate())
	if err != nil {
		return "", fmt.Errorf("insert synced_rules: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	log.Printf("[promotion] promoted rule %s (site=%s action=%s n=%d rate=%.2f)",
		ruleID, c.SiteID, c.RecommendedAction, c.Count, c.successRate())
	return ruleID, nil
}

// notifySite implements step 3: enqueue a sync_rules admin_order for every
// appliance on the site, so each picks it up on its next checkin poll
// (checkin.DB.FetchAdminOrders).
func (p *Promoter) notifySite(ctx context.Context, siteID, ruleID string) error {
	applianceIDs, err := p.applianceIDsForSite(ctx, siteID)
	if err != nil {
		return fmt.Errorf("list appliances: %w", err)
	}

	params, err := json.Marshal(map[string]string{"rule_id": ruleID})
	if err != nil {
		return fmt.Errorf("marshal order parameters: %w", err)
	}

	for i, applianceID := range applianceIDs {
		orderID := fmt.Sprintf("sync-rules-%s-%d", ruleID, i)
		_, err := p.pool.Exec(ctx, `
			INSERT INTO admin_orders (
				order_id, appliance_id, order_type, parameters, priority,
				status, created_at, expires_at
			) VALUES ($1, $2, 'sync_rules', $3::jsonb, 0, 'pending', NOW(), NOW() + INTERVAL '24 hours')
			ON CONFLICT (order_id) DO NOTHING
		`, orderID, applianceID, params)
		if err != nil {
			return fmt.Errorf("enqueue order for %s: %w", applianceID, err)
		}
	}
	return nil
}

func (p *Promoter) applianceIDsForSite(ctx context.Context, siteID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT appliance_id FROM site_appliances WHERE site_id = $1`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
