package daemon

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Flap detection thresholds. A (host, check_type) bucket that toggles
// pass/fail flapToggleThreshold or more times within flapWindowDur is
// considered flapping: it is suppressed for the remainder of the day
// and escalated to L3 exactly once for that day (invariant I7).
const (
	flapWindowDur       = 30 * time.Minute
	flapToggleThreshold = 4
)

// FlapStore persists flap-suppression state in the
// flap_suppressions{host, check_type, first_seen, last_flap, flap_count}
// table across daemon restarts, using the same SQLite WAL-mode pattern
// as the agent's offline event queue.
type FlapStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewFlapStore opens (creating if necessary) the flap-suppression database.
func NewFlapStore(dbPath string) (*FlapStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open flap store: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS flap_suppressions (
			host             TEXT NOT NULL,
			check_type       TEXT NOT NULL,
			first_seen       DATETIME NOT NULL,
			last_flap        DATETIME NOT NULL,
			flap_count       INTEGER NOT NULL DEFAULT 0,
			suppressed_until DATETIME,
			escalated_on     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (host, check_type)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init flap_suppressions schema: %w", err)
	}

	return &FlapStore{db: db}, nil
}

// Close closes the underlying database.
func (s *FlapStore) Close() error {
	return s.db.Close()
}

// RecordAndCheck records a drift occurrence for (host, checkType) and
// reports whether it should be suppressed. escalate is true exactly once
// per day, the moment the bucket first crosses the flap threshold.
func (s *FlapStore) RecordAndCheck(host, checkType string) (suppress bool, escalate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	today := now.Format("2006-01-02")

	var firstSeen, lastFlap time.Time
	var flapCount int
	var suppressedUntil sql.NullTime
	var escalatedOn string

	row := s.db.QueryRow(
		`SELECT first_seen, last_flap, flap_count, suppressed_until, escalated_on
		 FROM flap_suppressions WHERE host = ? AND check_type = ?`,
		host, checkType,
	)
	scanErr := row.Scan(&firstSeen, &lastFlap, &flapCount, &suppressedUntil, &escalatedOn)

	switch scanErr {
	case sql.ErrNoRows:
		if _, err := s.db.Exec(
			`INSERT INTO flap_suppressions (host, check_type, first_seen, last_flap, flap_count, escalated_on)
			 VALUES (?, ?, ?, ?, 1, '')`,
			host, checkType, now, now,
		); err != nil {
			return false, false, fmt.Errorf("insert flap bucket: %w", err)
		}
		return false, false, nil
	case nil:
		// fall through
	default:
		return false, false, fmt.Errorf("query flap bucket: %w", scanErr)
	}

	if suppressedUntil.Valid && now.Before(suppressedUntil.Time) {
		return true, false, nil
	}

	if now.Sub(lastFlap) > flapWindowDur {
		// Window lapsed since the last occurrence: start a fresh bucket.
		if _, err := s.db.Exec(
			`UPDATE flap_suppressions SET first_seen = ?, last_flap = ?, flap_count = 1, suppressed_until = NULL
			 WHERE host = ? AND check_type = ?`,
			now, now, host, checkType,
		); err != nil {
			return false, false, fmt.Errorf("reset flap bucket: %w", err)
		}
		return false, false, nil
	}

	// flapCount already reflects the toggles seen before this one. Once it
	// has reached the threshold, THIS occurrence is the one that gets
	// deferred and (at most once per day) escalated — matching the spec's
	// "5th of 5 alternations is the one deferred" example.
	if flapCount < flapToggleThreshold {
		flapCount++
		if _, err := s.db.Exec(
			`UPDATE flap_suppressions SET last_flap = ?, flap_count = ? WHERE host = ? AND check_type = ?`,
			now, flapCount, host, checkType,
		); err != nil {
			return false, false, fmt.Errorf("update flap bucket: %w", err)
		}
		return false, false, nil
	}

	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, time.UTC)
	alreadyEscalatedToday := escalatedOn == today
	if !alreadyEscalatedToday {
		escalatedOn = today
	}

	if _, err := s.db.Exec(
		`UPDATE flap_suppressions SET last_flap = ?, flap_count = ?, suppressed_until = ?, escalated_on = ?
		 WHERE host = ? AND check_type = ?`,
		now, flapCount+1, endOfDay, escalatedOn, host, checkType,
	); err != nil {
		return false, false, fmt.Errorf("persist flap suppression: %w", err)
	}

	return true, !alreadyEscalatedToday, nil
}
