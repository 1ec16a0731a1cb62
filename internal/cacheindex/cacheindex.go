package cacheindex

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketRows     = []byte("leaderboard_cache")
	bucketVersions = []byte("leaderboard_versions")
)

type frontEntry struct {
	row      Row
	expires  time.Time
	lastUsed time.Time
}

// Index is the bbolt-backed Cache Index with an in-memory LRU+TTL front.
type Index struct {
	db  *bbolt.DB
	ttl time.Duration

	frontMu  sync.Mutex
	front    map[string]*frontEntry
	frontMax int

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	writeCtr    metric.Int64Counter
}

// Open creates or opens the cache index database under dataDir.
func Open(dataDir string, ttl time.Duration, frontMax int, meter metric.Meter) (*Index, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(filepath.Join(dataDir, "cache.db"), 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRows, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache buckets: %w", err)
	}

	cacheHits, _ := meter.Int64Counter("evalorc_cacheindex_hits_total")
	cacheMisses, _ := meter.Int64Counter("evalorc_cacheindex_misses_total")
	writeCtr, _ := meter.Int64Counter("evalorc_cacheindex_writes_total")

	idx := &Index{
		db:          db,
		ttl:         ttl,
		front:       make(map[string]*frontEntry),
		frontMax:    frontMax,
		cacheHits:   cacheHits,
		cacheMisses: cacheMisses,
		writeCtr:    writeCtr,
	}
	go idx.cleanupLoop()
	return idx, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error { return idx.db.Close() }

func (idx *Index) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		idx.frontMu.Lock()
		now := time.Now()
		for k, e := range idx.front {
			if now.After(e.expires) {
				delete(idx.front, k)
			}
		}
		idx.frontMu.Unlock()
	}
}

// Lookup returns rows for fingerprint matching filters, classifying
// freshness against ttl. An entry is stale if now - last_updated > ttl;
// quarantined rows are excluded unless filters.IncludeQuarantined. Rows are
// resolved through rowsForFingerprint, which consults the in-memory front
// before decoding from bbolt.
func (idx *Index) Lookup(ctx context.Context, fingerprint string, filters BrowseFilter) ([]Row, LookupResult, error) {
	all, err := idx.rowsForFingerprint(fingerprint)
	if err != nil {
		return nil, LookupMiss, err
	}

	var matched []Row
	stale := false
	now := time.Now()
	for _, row := range all {
		if row.Quarantine && !filters.IncludeQuarantined {
			continue
		}
		if !matchesBrowseForLookup(row, filters) {
			continue
		}
		if now.Sub(row.LastUpdated) > idx.ttl {
			stale = true
		}
		matched = append(matched, row)
	}

	if len(matched) == 0 {
		idx.cacheMisses.Add(ctx, 1)
		return nil, LookupMiss, nil
	}
	idx.cacheHits.Add(ctx, 1)
	if stale {
		return matched, LookupStale, nil
	}
	return matched, LookupHit, nil
}

func matchesBrowseForLookup(row Row, f BrowseFilter) bool {
	if f.Language != "" && !strings.EqualFold(row.Key.Language, f.Language) {
		return false
	}
	if f.SubjectType != "" && row.Key.SubjectType != f.SubjectType {
		return false
	}
	if f.TaskType != "" && row.Key.TaskType != f.TaskType {
		return false
	}
	return true
}

// UpsertRow atomically writes one aggregate row derived from a terminal task, bumping
// last_updated and recording the originating task_id.
func (idx *Index) UpsertRow(ctx context.Context, row Row) error {
	row.LastUpdated = time.Now()
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	key := row.Key.string()
	if err := idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRows).Put([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("upsert row: %w", err)
	}
	idx.writeCtr.Add(ctx, 1)

	idx.frontMu.Lock()
	idx.evictIfFullLocked()
	idx.front[key] = &frontEntry{row: row, expires: time.Now().Add(idx.ttl), lastUsed: time.Now()}
	idx.frontMu.Unlock()
	return nil
}

// Browse scans all rows applying filters and pagination, excluding
// quarantined rows unless filters.IncludeQuarantined.
func (idx *Index) Browse(ctx context.Context, filters BrowseFilter) ([]Row, error) {
	var all []Row
	err := idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRows).ForEach(func(k, v []byte) error {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return nil
			}
			all = append(all, row)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}

	filtered := make([]Row, 0, len(all))
	for _, row := range all {
		if row.Quarantine && !filters.IncludeQuarantined {
			continue
		}
		if !matchesBrowse(row, filters) {
			continue
		}
		filtered = append(filtered, row)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].LastUpdated.After(filtered[j].LastUpdated) })

	start := filters.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := len(filtered)
	if filters.Limit > 0 && start+filters.Limit < end {
		end = start + filters.Limit
	}
	return filtered[start:end], nil
}

func matchesBrowse(row Row, f BrowseFilter) bool {
	if !matchesBrowseForLookup(row, f) {
		return false
	}
	if f.ModelNameContains != "" && !strings.Contains(strings.ToLower(row.Key.ModelName), strings.ToLower(f.ModelNameContains)) {
		return false
	}
	if f.ScoreMin != nil && row.Score < *f.ScoreMin {
		return false
	}
	if f.ScoreMax != nil && row.Score > *f.ScoreMax {
		return false
	}
	if f.UpdatedAfter != nil && row.LastUpdated.Before(*f.UpdatedAfter) {
		return false
	}
	return true
}

// Quarantine flips the quarantine flag for the given keys, archiving the
// prior row value for recoverability (this module's supplement to the
// spec's quarantine/restore mechanism).
func (idx *Index) Quarantine(ctx context.Context, keys []RowKey, reason string) error {
	return idx.setQuarantine(ctx, keys, true, reason)
}

// Restore inverts a prior Quarantine call.
func (idx *Index) Restore(ctx context.Context, keys []RowKey) error {
	return idx.setQuarantine(ctx, keys, false, "")
}

func (idx *Index) setQuarantine(ctx context.Context, keys []RowKey, quarantine bool, reason string) error {
	err := idx.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRows)
		versions := tx.Bucket(bucketVersions)
		for _, k := range keys {
			keyStr := []byte(k.string())
			existing := bucket.Get(keyStr)
			if existing == nil {
				return fmt.Errorf("row not found: %s", k.string())
			}
			archiveKey := []byte(fmt.Sprintf("%s:%d", k.string(), time.Now().UnixNano()))
			if err := versions.Put(archiveKey, existing); err != nil {
				return err
			}
			var row Row
			if err := json.Unmarshal(existing, &row); err != nil {
				return err
			}
			row.Quarantine = quarantine
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := bucket.Put(keyStr, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set quarantine=%v: %w", quarantine, err)
	}
	idx.invalidateFront(keys)
	return nil
}

// HardDelete removes rows entirely, archiving the last value first.
func (idx *Index) HardDelete(ctx context.Context, keys []RowKey) error {
	err := idx.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRows)
		versions := tx.Bucket(bucketVersions)
		for _, k := range keys {
			keyStr := []byte(k.string())
			existing := bucket.Get(keyStr)
			if existing != nil {
				archiveKey := []byte(fmt.Sprintf("archive:%s:%d", k.string(), time.Now().UnixNano()))
				if err := versions.Put(archiveKey, existing); err != nil {
					return err
				}
			}
			if err := bucket.Delete(keyStr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hard delete: %w", err)
	}
	idx.invalidateFront(keys)
	return nil
}

// Stats reports row counts for GET /stats.
func (idx *Index) Stats() map[string]int {
	count := 0
	_ = idx.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketRows).Stats().KeyN
		return nil
	})
	idx.frontMu.Lock()
	frontSize := len(idx.front)
	idx.frontMu.Unlock()
	return map[string]int{"cache_row_count": count, "cache_front_size": frontSize}
}

// rowsForFingerprint resolves every row under fingerprint, consulting the
// in-memory front for each key before falling back to a bbolt decode. front
// entries expire independently of row staleness (idx.ttl governs both, but
// they measure different things: front's expiry bounds how long a decoded
// value is trusted, row.LastUpdated is the business-data freshness Lookup
// checks against idx.ttl separately).
func (idx *Index) rowsForFingerprint(fingerprint string) ([]Row, error) {
	prefix := []byte(fingerprint + "|")
	var keys []string
	raw := make(map[string][]byte)
	err := idx.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRows).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			keyStr := string(k)
			keys = append(keys, keyStr)
			raw[keyStr] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rows := make([]Row, 0, len(keys))
	idx.frontMu.Lock()
	for _, keyStr := range keys {
		if entry, ok := idx.front[keyStr]; ok && now.Before(entry.expires) {
			entry.lastUsed = now
			rows = append(rows, entry.row)
			continue
		}
		var row Row
		if err := json.Unmarshal(raw[keyStr], &row); err != nil {
			continue
		}
		idx.evictIfFullLocked()
		idx.front[keyStr] = &frontEntry{row: row, expires: now.Add(idx.ttl), lastUsed: now}
		rows = append(rows, row)
	}
	idx.frontMu.Unlock()
	return rows, nil
}

func (idx *Index) invalidateFront(keys []RowKey) {
	idx.frontMu.Lock()
	for _, k := range keys {
		delete(idx.front, k.string())
	}
	idx.frontMu.Unlock()
}

func (idx *Index) evictIfFullLocked() {
	if idx.frontMax <= 0 || len(idx.front) < idx.frontMax {
		return
	}
	var oldestKey string
	var oldestTime time.Time
	for k, e := range idx.front {
		if oldestKey == "" || e.lastUsed.Before(oldestTime) {
			oldestKey, oldestTime = k, e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(idx.front, oldestKey)
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
