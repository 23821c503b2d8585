package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"

	"github.com/mokny/meshbot/pkg/models"
)

const latestNameTTL = 15 * time.Minute

// PresenceStore tracks which stations have been heard and the names they
// have announced over time.
type PresenceStore interface {
	// TouchStation records that nodeID was heard at ts, creating the station
	// row on first contact.
	TouchStation(nodeID string, ts int64) error
	// RecordName appends a name observation, skipping it when it matches the
	// newest stored entry for the node.
	RecordName(nodeID string, ts int64, short, long *string) error
	// LatestName returns the most recent name entry for nodeID, or nil when
	// none is stored.
	LatestName(nodeID string) (*models.NameEntry, error)
	// StationSummary returns the station row for nodeID, or nil when unknown.
	StationSummary(nodeID string) (*models.Station, error)
	// NameHistory returns up to limit name entries for nodeID, newest first
	// unless order is "asc".
	NameHistory(nodeID string, limit int, order string) ([]models.NameEntry, error)
	// CountStations returns the number of distinct stations seen.
	CountStations() (int64, error)
	// CountNames returns the number of stored name observations.
	CountNames() (int64, error)
}

type sqlitePresenceStore struct {
	db *sqlx.DB
	mu *sync.Mutex

	latest *ttlcache.Cache[string, *models.NameEntry]
}

func newPresenceStore(db *sqlx.DB, mu *sync.Mutex) *sqlitePresenceStore {
	cache := ttlcache.New[string, *models.NameEntry](
		ttlcache.WithTTL[string, *models.NameEntry](latestNameTTL),
	)
	go cache.Start()
	return &sqlitePresenceStore{db: db, mu: mu, latest: cache}
}

func (s *sqlitePresenceStore) close() {
	s.latest.Stop()
}

func (s *sqlitePresenceStore) TouchStation(nodeID string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO stations (node_id, first_seen, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET last_seen = excluded.last_seen`,
		nodeID, ts, ts)
	if err != nil {
		return fmt.Errorf("touching station: %w", err)
	}
	return nil
}

// normalizeName trims whitespace and maps empty strings to nil so that the
// equality check against the stored row is stable.
func normalizeName(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

func sameName(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *sqlitePresenceStore) RecordName(nodeID string, ts int64, short, long *string) error {
	short = normalizeName(short)
	long = normalizeName(long)
	if short == nil && long == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.latestNameLocked(nodeID)
	if err != nil {
		return err
	}
	if last != nil && sameName(last.Short, short) && sameName(last.Long, long) {
		return nil
	}

	_, err = s.db.Exec(`INSERT INTO names (node_id, seen_at, short, long)
		VALUES (?, ?, ?, ?)`, nodeID, ts, short, long)
	if err != nil {
		return fmt.Errorf("recording name: %w", err)
	}
	s.latest.Delete(nodeID)
	return nil
}

func (s *sqlitePresenceStore) LatestName(nodeID string) (*models.NameEntry, error) {
	if item := s.latest.Get(nodeID); item != nil {
		return item.Value(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.latestNameLocked(nodeID)
	if err != nil {
		return nil, err
	}
	s.latest.Set(nodeID, entry, ttlcache.DefaultTTL)
	return entry, nil
}

func (s *sqlitePresenceStore) latestNameLocked(nodeID string) (*models.NameEntry, error) {
	var entry models.NameEntry
	err := s.db.Get(&entry,
		"SELECT * FROM names WHERE node_id = ? ORDER BY id DESC LIMIT 1", nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest name: %w", err)
	}
	return &entry, nil
}

func (s *sqlitePresenceStore) StationSummary(nodeID string) (*models.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st models.Station
	err := s.db.Get(&st, "SELECT * FROM stations WHERE node_id = ?", nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading station: %w", err)
	}
	return &st, nil
}

func (s *sqlitePresenceStore) NameHistory(nodeID string, limit int, order string) ([]models.NameEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	dir := "DESC"
	if strings.EqualFold(order, "asc") {
		dir = "ASC"
	}

	entries := []models.NameEntry{}
	q := fmt.Sprintf("SELECT * FROM names WHERE node_id = ? ORDER BY id %s LIMIT ?", dir)
	if err := s.db.Select(&entries, q, nodeID, limit); err != nil {
		return nil, fmt.Errorf("listing names: %w", err)
	}
	return entries, nil
}

func (s *sqlitePresenceStore) CountStations() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM stations"); err != nil {
		return 0, fmt.Errorf("counting stations: %w", err)
	}
	return n, nil
}

func (s *sqlitePresenceStore) CountNames() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM names"); err != nil {
		return 0, fmt.Errorf("counting names: %w", err)
	}
	return n, nil
}
