// Package cache implements the feedback-gated response cache.
//
// Responses are keyed by a digest of the normalized query text. An entry
// is served only while its positive feedback strictly exceeds its
// negative feedback, so rejected answers force fresh processing.
package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	schemaVersion  = 2
	sessionHistory = 10
)

// Rating is a user verdict on a cached or fresh response.
type Rating string

const (
	RatingUp   Rating = "up"
	RatingDown Rating = "down"
)

// Entry is one cached response and its feedback state.
type Entry struct {
	Query            string            `json:"query"`
	Normalized       string            `json:"normalized"`
	Response         string            `json:"response"`
	ToolsUsed        []string          `json:"tools_used,omitempty"`
	Context          map[string]string `json:"context,omitempty"`
	TokenCount       int               `json:"token_count,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	LastUsed         time.Time         `json:"last_used"`
	UseCount         int               `json:"use_count"`
	Sessions         []string          `json:"sessions,omitempty"`
	PositiveFeedback int               `json:"positive_feedback"`
	NegativeFeedback int               `json:"negative_feedback"`
	Score            float64           `json:"score"`
	Tags             []string          `json:"tags,omitempty"`
	Related          []string          `json:"related,omitempty"`
	Category         string            `json:"category,omitempty"`
}

// StoreOptions carries optional metadata for Store.
type StoreOptions struct {
	ToolsUsed []string
	Context   map[string]string
	Tokens    int
	SessionID string
	Tags      []string
}

// FeedbackRecord is one immutable entry in the feedback log.
type FeedbackRecord struct {
	QueryHash string    `json:"query_hash"`
	Rating    Rating    `json:"rating"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats summarizes cache effectiveness.
type Stats struct {
	CachedQueries     int            `json:"cached_queries"`
	TotalQueries      int            `json:"total_queries"`
	CacheHits         int            `json:"cache_hits"`
	CacheHitRate      float64        `json:"cache_hit_rate"`
	PositiveFeedback  int            `json:"positive_feedback"`
	NegativeFeedback  int            `json:"negative_feedback"`
	CategoryBreakdown map[string]int `json:"category_breakdown"`
	TopQueries        []TopQuery     `json:"top_queries"`
}

// TopQuery is one row of the most-used entries.
type TopQuery struct {
	Query    string `json:"query"`
	UseCount int    `json:"use_count"`
}

// storeDoc is the on-disk document (schema version 2).
type storeDoc struct {
	Version    int                 `json:"version"`
	Metadata   storeMeta           `json:"metadata"`
	Queries    map[string]*Entry   `json:"queries"`
	Categories map[string][]string `json:"categories"`
	Feedback   []FeedbackRecord    `json:"feedback_log"`
	Stats      storeStats          `json:"stats"`
}

type storeMeta struct {
	CreatedAt     time.Time `json:"created_at"`
	LastUpdated   time.Time `json:"last_updated"`
	SchemaVersion int       `json:"schema_version"`
}

type storeStats struct {
	TotalQueries     int `json:"total_queries"`
	CacheHits        int `json:"cache_hits"`
	PositiveFeedback int `json:"positive_feedback"`
	NegativeFeedback int `json:"negative_feedback"`
}

// Cache is the feedback-gated response cache. Safe for concurrent use.
type Cache struct {
	mu   sync.Mutex
	path string
	doc  *storeDoc
	log  *zap.Logger
}

// Open loads the cache from path, starting empty when the file is
// missing or unreadable. Open never fails: a corrupt store is logged
// and replaced by an empty one.
func Open(path string, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}

	c := &Cache{path: path, log: log}
	c.doc = c.load()
	return c
}

// Lookup returns the entry for query when one exists and its net
// feedback is positive. A hit updates usage bookkeeping and persists;
// a miss mutates nothing.
func (c *Cache) Lookup(query, sessionID string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := hashQuery(query)
	entry, ok := c.doc.Queries[hash]
	if !ok {
		return nil
	}
	if entry.PositiveFeedback <= entry.NegativeFeedback {
		return nil
	}

	now := time.Now()
	entry.LastUsed = now
	entry.UseCount++
	if sessionID != "" {
		entry.Sessions = append(entry.Sessions, sessionID)
		if len(entry.Sessions) > sessionHistory {
			entry.Sessions = entry.Sessions[len(entry.Sessions)-sessionHistory:]
		}
	}
	c.doc.Stats.CacheHits++
	c.save()

	return entry
}

// Store creates or overwrites the entry for query and persists.
// Feedback counters always start at zero, so a fresh entry is not
// served until someone rates it up.
func (c *Cache) Store(query, response string, opts StoreOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := hashQuery(query)
	normalized := normalize(query)
	now := time.Now()

	tags := opts.Tags
	if len(tags) == 0 {
		tags = deriveTags(normalized)
	}

	entry := &Entry{
		Query:      query,
		Normalized: normalized,
		Response:   response,
		ToolsUsed:  opts.ToolsUsed,
		Context:    opts.Context,
		TokenCount: opts.Tokens,
		CreatedAt:  now,
		LastUsed:   now,
		UseCount:   1,
		Tags:       tags,
		Category:   deriveCategory(normalized),
	}
	if opts.SessionID != "" {
		entry.Sessions = []string{opts.SessionID}
	}

	if prior, ok := c.doc.Queries[hash]; ok {
		c.removeFromCategory(prior.Category, hash)
	}
	c.doc.Stats.TotalQueries++

	c.doc.Queries[hash] = entry
	c.doc.Categories[entry.Category] = append(c.doc.Categories[entry.Category], hash)
	c.save()
}

// Rate records feedback for query. The entry's counters are updated
// when it exists; the feedback log always receives a record, so
// ratings on never-cached queries are not lost.
func (c *Cache) Rate(query string, rating Rating) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := hashQuery(query)

	if entry, ok := c.doc.Queries[hash]; ok {
		switch rating {
		case RatingUp:
			entry.PositiveFeedback++
			c.doc.Stats.PositiveFeedback++
		case RatingDown:
			entry.NegativeFeedback++
			c.doc.Stats.NegativeFeedback++
		}
		entry.Score = score(entry.PositiveFeedback, entry.NegativeFeedback)
	}

	c.doc.Feedback = append(c.doc.Feedback, FeedbackRecord{
		QueryHash: hash,
		Rating:    rating,
		Timestamp: time.Now(),
	})
	c.save()
}

// Stats returns a snapshot of cache effectiveness.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		CachedQueries:     len(c.doc.Queries),
		TotalQueries:      c.doc.Stats.TotalQueries,
		CacheHits:         c.doc.Stats.CacheHits,
		PositiveFeedback:  c.doc.Stats.PositiveFeedback,
		NegativeFeedback:  c.doc.Stats.NegativeFeedback,
		CategoryBreakdown: make(map[string]int),
	}
	if s.TotalQueries > 0 {
		rate := 100 * float64(s.CacheHits) / float64(s.TotalQueries)
		s.CacheHitRate = math.Round(rate*10) / 10
	}
	for cat, hashes := range c.doc.Categories {
		if len(hashes) > 0 {
			s.CategoryBreakdown[cat] = len(hashes)
		}
	}

	entries := make([]*Entry, 0, len(c.doc.Queries))
	for _, e := range c.doc.Queries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UseCount != entries[j].UseCount {
			return entries[i].UseCount > entries[j].UseCount
		}
		return entries[i].Query < entries[j].Query
	})
	for i := 0; i < len(entries) && i < 5; i++ {
		s.TopQueries = append(s.TopQueries, TopQuery{
			Query:    entries[i].Query,
			UseCount: entries[i].UseCount,
		})
	}

	return s
}

func (c *Cache) removeFromCategory(category, hash string) {
	hashes := c.doc.Categories[category]
	for i, h := range hashes {
		if h == hash {
			c.doc.Categories[category] = append(hashes[:i], hashes[i+1:]...)
			return
		}
	}
}

// ============================================================
// Normalization and Derivation
// ============================================================

// normalize folds case and trims whitespace so cosmetic variants of a
// query share one cache key.
func normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// hashQuery digests the normalized query into a fixed-length key.
// Collisions are accepted; this is a cache key, not an identity proof.
func hashQuery(query string) string {
	h := fnv.New64a()
	h.Write([]byte(normalize(query)))
	return fmt.Sprintf("%016x", h.Sum64())
}

func score(positive, negative int) float64 {
	total := positive + negative
	if total == 0 {
		return 0
	}
	return float64(positive-negative) / float64(total)
}

// tagVocabulary is the fixed keyword set used to auto-derive tags.
var tagVocabulary = []string{
	"database", "table", "sql", "schema", "query",
	"github", "repository", "issue", "commit", "branch",
	"file", "directory", "search",
	"list", "count", "create", "delete", "update", "user",
}

func deriveTags(normalized string) []string {
	var tags []string
	for _, kw := range tagVocabulary {
		if strings.Contains(normalized, kw) {
			tags = append(tags, kw)
		}
	}
	return tags
}

var (
	readWords  = []string{"select", "list", "show", "get", "find", "count", "search", "read"}
	writeWords = []string{"insert", "add", "create", "update", "delete", "remove", "write"}
)

func deriveCategory(normalized string) string {
	for _, w := range readWords {
		if strings.Contains(normalized, w) {
			return "read"
		}
	}
	for _, w := range writeWords {
		if strings.Contains(normalized, w) {
			return "write"
		}
	}
	return "other"
}

// ============================================================
// Persistence
// ============================================================

func emptyDoc() *storeDoc {
	now := time.Now()
	return &storeDoc{
		Version: schemaVersion,
		Metadata: storeMeta{
			CreatedAt:     now,
			LastUpdated:   now,
			SchemaVersion: schemaVersion,
		},
		Queries:    make(map[string]*Entry),
		Categories: make(map[string][]string),
	}
}

func (c *Cache) load() *storeDoc {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("cache file unreadable, starting empty",
				zap.String("path", c.path), zap.Error(err))
		}
		return emptyDoc()
	}

	// Peek at the version field to detect the legacy flat format.
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.log.Warn("cache file malformed, starting empty",
			zap.String("path", c.path), zap.Error(err))
		return emptyDoc()
	}

	if probe.Version < schemaVersion {
		doc, err := migrateV1(data)
		if err != nil {
			c.log.Warn("cache migration failed, starting empty",
				zap.String("path", c.path), zap.Error(err))
			return emptyDoc()
		}
		c.log.Info("migrated cache to structured format",
			zap.Int("entries", len(doc.Queries)))
		return doc
	}

	var doc storeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		c.log.Warn("cache file malformed, starting empty",
			zap.String("path", c.path), zap.Error(err))
		return emptyDoc()
	}
	if doc.Queries == nil {
		doc.Queries = make(map[string]*Entry)
	}
	if doc.Categories == nil {
		doc.Categories = make(map[string][]string)
	}
	return &doc
}

// save serializes the whole store. Persistence errors are logged and
// swallowed so cache operations can never crash the caller.
func (c *Cache) save() {
	c.doc.Metadata.LastUpdated = time.Now()

	data, err := json.MarshalIndent(c.doc, "", "  ")
	if err != nil {
		c.log.Error("cache serialization failed", zap.Error(err))
		return
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			c.log.Error("cache directory creation failed",
				zap.String("dir", dir), zap.Error(err))
			return
		}
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		c.log.Error("cache persistence failed",
			zap.String("path", c.path), zap.Error(err))
	}
}
