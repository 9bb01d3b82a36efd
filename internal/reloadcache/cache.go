package reloadcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/config"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/events"
	"github.com/skylightos/skylight/internal/events/bus"
	"github.com/skylightos/skylight/pkg/protocol"
)

// ErrEntryNotFound is returned when a counter update names an unknown entry.
var ErrEntryNotFound = errors.New("cache entry not found")

// maxFailCount is how many failed replays an entry survives before it is
// invalidated outright.
const maxFailCount = 3

// Entry is one recorded action sequence. Everything except the counters is
// immutable after Record.
type Entry struct {
	ID                string            `json:"id"`
	Label             string            `json:"label"`
	Fingerprint       Fingerprint       `json:"fingerprint"`
	Actions           []protocol.Action `json:"actions"`
	RequiredWindowIDs []string          `json:"requiredWindowIds,omitempty"`
	UseCount          int               `json:"useCount"`
	LastUsedAt        time.Time         `json:"lastUsedAt"`
	FailCount         int               `json:"failCount"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// Candidate is one fuzzy lookup result.
type Candidate struct {
	Entry      Entry
	Similarity float64
}

// LookupResult is what a fingerprint lookup returns: an exact hit when one
// exists, plus the top fuzzy candidates above the threshold (which include
// the exact hit's entry).
type LookupResult struct {
	Exact      *Entry
	Candidates []Candidate
}

// Cache is the JSON-on-disk reload cache. All methods are safe for
// concurrent use; a nil *Cache is valid and behaves as permanently empty,
// which is how a disabled cache is wired.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	path       string
	threshold  float64
	topK       int
	normalizer *Normalizer
	eventBus   bus.EventBus
	logger     *logger.Logger
}

// New loads or creates the cache at cfg.Path. A disabled config returns a
// nil cache. A corrupt file is logged and replaced on the next save rather
// than failing boot.
func New(cfg config.ReloadCacheConfig, eventBus bus.EventBus, log *logger.Logger) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	topK := cfg.MaxCandidates
	if topK <= 0 {
		topK = DefaultMaxCandidates
	}

	c := &Cache{
		entries:    make(map[string]*Entry),
		path:       cfg.Path,
		threshold:  threshold,
		topK:       topK,
		normalizer: NewNormalizer(cfg.MemoizeSize),
		eventBus:   eventBus,
		logger:     log.WithFields(zap.String("component", "reload_cache")),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read reload cache: %w", err)
	}
	var entries map[string]*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("reload cache file is corrupt, starting empty",
			zap.String("path", c.path),
			zap.Error(err))
		return nil
	}
	c.entries = entries
	c.logger.Info("reload cache loaded",
		zap.String("path", c.path),
		zap.Int("entries", len(entries)))
	return nil
}

// saveLocked writes the whole cache through a temp file rename so a crash
// mid-write cannot truncate the store. Callers hold the write lock.
func (c *Cache) saveLocked() error {
	if c.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reload cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write reload cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace reload cache: %w", err)
	}
	return nil
}

// Fingerprint builds a fingerprint for one task using the cache's memoizing
// normalizer. A nil cache still fingerprints, so callers never branch.
func (c *Cache) Fingerprint(triggerType, triggerTarget, content string, renderers map[string]string) Fingerprint {
	if c == nil {
		return NewNormalizer(1).NewFingerprint(triggerType, triggerTarget, content, renderers)
	}
	return c.normalizer.NewFingerprint(triggerType, triggerTarget, content, renderers)
}

// Record stores an action sequence under a fresh id. Recording a
// fingerprint that exactly matches an existing entry refreshes that entry
// in place instead of growing the store.
func (c *Cache) Record(ctx context.Context, fp Fingerprint, actions []protocol.Action, label string, requiredWindowIDs []string) (string, error) {
	if c == nil || len(actions) == 0 {
		return "", nil
	}

	c.mu.Lock()
	var entry *Entry
	for _, existing := range c.entries {
		if IsExact(existing.Fingerprint, fp) {
			entry = existing
			break
		}
	}
	if entry == nil {
		entry = &Entry{
			ID:        uuid.New().String(),
			CreatedAt: time.Now().UTC(),
		}
		c.entries[entry.ID] = entry
	}
	entry.Label = label
	entry.Fingerprint = fp
	entry.Actions = actions
	entry.RequiredWindowIDs = requiredWindowIDs
	entry.FailCount = 0
	err := c.saveLocked()
	id := entry.ID
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	c.publish(ctx, events.CacheRecorded, id, label)
	c.logger.Debug("cache entry recorded",
		zap.String("entry_id", id),
		zap.String("label", label),
		zap.Int("actions", len(actions)))
	return id, nil
}

// Lookup matches a fingerprint against the store.
func (c *Cache) Lookup(fp Fingerprint) LookupResult {
	if c == nil {
		return LookupResult{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var result LookupResult
	for _, entry := range c.entries {
		score := Similarity(entry.Fingerprint, fp)
		if score < c.threshold {
			continue
		}
		result.Candidates = append(result.Candidates, Candidate{Entry: *entry, Similarity: score})
		if result.Exact == nil && entry.Fingerprint.ContentHash == fp.ContentHash && score >= ExactThreshold {
			hit := *entry
			result.Exact = &hit
		}
	}

	sort.Slice(result.Candidates, func(i, j int) bool {
		if result.Candidates[i].Similarity != result.Candidates[j].Similarity {
			return result.Candidates[i].Similarity > result.Candidates[j].Similarity
		}
		return result.Candidates[i].Entry.CreatedAt.After(result.Candidates[j].Entry.CreatedAt)
	})
	if len(result.Candidates) > c.topK {
		result.Candidates = result.Candidates[:c.topK]
	}
	return result
}

// Get returns a copy of one entry.
func (c *Cache) Get(id string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// MarkUsed bumps an entry's use counter after a successful replay.
func (c *Cache) MarkUsed(ctx context.Context, id string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	entry.UseCount++
	entry.LastUsedAt = time.Now().UTC()
	err := c.saveLocked()
	label := entry.Label
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.publish(ctx, events.CacheReplayed, id, label)
	return nil
}

// MarkFailed bumps an entry's failure counter. An entry that keeps failing
// is invalidated.
func (c *Cache) MarkFailed(ctx context.Context, id string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	entry.FailCount++
	failures := entry.FailCount
	var err error
	if failures < maxFailCount {
		err = c.saveLocked()
	}
	c.mu.Unlock()

	if failures >= maxFailCount {
		c.logger.Info("cache entry exceeded failure limit, invalidating",
			zap.String("entry_id", id),
			zap.Int("failures", failures))
		return c.Invalidate(ctx, id)
	}
	return err
}

// Invalidate removes an entry, typically because a window it depends on no
// longer exists.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	label := entry.Label
	delete(c.entries, id)
	err := c.saveLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.publish(ctx, events.CacheInvalidated, id, label)
	c.logger.Debug("cache entry invalidated", zap.String("entry_id", id))
	return nil
}

// Len reports how many entries are stored.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) publish(ctx context.Context, eventType, entryID, label string) {
	if c.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "reload_cache", map[string]interface{}{
		"entryId": entryID,
		"label":   label,
	})
	if err := c.eventBus.Publish(ctx, eventType, event); err != nil {
		c.logger.Warn("failed to publish cache event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
