package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/mnemos/mnemos/internal/buffer"
	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// VectorMeta is the typed payload the semantic cache keeps for each entry:
// the original text, which content search needs for substring scoring, plus
// its embedding vector.
type VectorMeta struct {
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
}

// DurableStore is a Store whose writes report failure, so the mirror queue
// can retry them. DiskStore, RedisStore and ObjectStore all qualify.
type DurableStore interface {
	types.Store
	Write(key string, value []byte, meta types.EntryMeta) error
}

// SearchResult is one scored match from SearchByContent
type SearchResult struct {
	Key         string    `json:"key"`
	Text        string    `json:"text"`
	Score       float64   `json:"score"`
	Weight      float64   `json:"weight"`
	AccessCount int64     `json:"access_count"`
	Vector      []float32 `json:"-"`
}

// SemanticCacheConfig represents semantic cache configuration
type SemanticCacheConfig struct {
	// HotCapacity bounds the pool holding high-importance entries
	HotCapacity int `yaml:"hot_capacity" json:"hot_capacity"`

	// WarmCapacity bounds the overflow pool; warm evictions are dropped
	// outright
	WarmCapacity int `yaml:"warm_capacity" json:"warm_capacity"`

	// ImportanceThreshold is the weight at which an entry goes straight
	// to the hot pool
	ImportanceThreshold float64 `yaml:"importance_threshold" json:"importance_threshold"`

	// PromotionThreshold is the access count at which a warm entry is
	// promoted to hot
	PromotionThreshold int64 `yaml:"promotion_threshold" json:"promotion_threshold"`

	// MaxKeywords caps how many keywords are indexed per entry
	MaxKeywords int `yaml:"max_keywords" json:"max_keywords"`

	// Queue configures the write-behind mirror queue
	Queue *buffer.QueueConfig `yaml:"queue" json:"queue"`

	Logger *utils.StructuredLogger `yaml:"-" json:"-"`
}

// DefaultSemanticCacheConfig returns the default semantic cache configuration
func DefaultSemanticCacheConfig() *SemanticCacheConfig {
	return &SemanticCacheConfig{
		HotCapacity:         128,
		WarmCapacity:        1024,
		ImportanceThreshold: 7.0,
		PromotionThreshold:  3,
		MaxKeywords:         10,
	}
}

// SemanticCacheStats aggregates pool, promotion and mirror counters
type SemanticCacheStats struct {
	Hot         types.CacheStats  `json:"hot"`
	Warm        types.CacheStats  `json:"warm"`
	Promotions  uint64            `json:"promotions"`
	Spills      uint64            `json:"spills"`
	MirrorHits  uint64            `json:"mirror_hits"`
	MirrorDrops uint64            `json:"mirror_drops"`
	Keywords    int               `json:"keywords"`
	Queue       buffer.QueueStats `json:"queue"`
}

// mirrorRecord is the JSON wire form of one mirrored entry. Weight rides
// inside the payload so repopulation can pick the right pool.
type mirrorRecord struct {
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
	Weight float64   `json:"weight"`
}

// SemanticCache keeps embedding vectors in two LRU pools split by
// importance. Writes with weight at or above the importance threshold land
// in the hot pool, whose evictions spill into the warm pool; warm evictions
// are dropped outright. Warm entries earn promotion back to hot through
// access count. A keyword index over the stored texts powers
// SearchByContent, and every write is mirrored, best effort, to a durable
// per-key store through a write-behind queue so a restarted process can
// repopulate lazily on miss.
type SemanticCache struct {
	config *SemanticCacheConfig
	hot    *MemoryStore[string, VectorMeta]
	warm   *MemoryStore[string, VectorMeta]
	mirror DurableStore
	queue  *buffer.MirrorQueue

	logger     *utils.StructuredLogger
	ownsLogger bool

	// mu guards the keyword index only; pool state lives behind the pool
	// locks
	mu       sync.RWMutex
	keywords map[string]map[string]struct{}

	// evictMu guards the warm-eviction backlog recorded by the warm
	// pool's eviction callback. It is a leaf lock; the callback runs
	// under the pool lock and must not touch mu.
	evictMu sync.Mutex
	evicted []Entry[string, VectorMeta]

	statsMu     sync.Mutex
	promotions  uint64
	spills      uint64
	mirrorHits  uint64
	mirrorDrops uint64

	closeOnce sync.Once
}

// NewSemanticCache creates a semantic cache backed by the given durable
// mirror. A nil mirror disables mirroring; the cache then runs memory-only.
func NewSemanticCache(config *SemanticCacheConfig, mirror DurableStore) (*SemanticCache, error) {
	if config == nil {
		config = DefaultSemanticCacheConfig()
	}

	if config.HotCapacity == 0 {
		config.HotCapacity = 128
	}
	if config.WarmCapacity == 0 {
		config.WarmCapacity = 1024
	}
	if config.ImportanceThreshold == 0 {
		config.ImportanceThreshold = 7.0
	}
	if config.PromotionThreshold == 0 {
		config.PromotionThreshold = 3
	}
	if config.MaxKeywords == 0 {
		config.MaxKeywords = 10
	}

	if config.ImportanceThreshold < 0 || config.ImportanceThreshold > 10 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "importance threshold must be between 0 and 10").
			WithComponent("semantic_cache").
			WithDetail("importance_threshold", config.ImportanceThreshold)
	}
	if config.PromotionThreshold < 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "promotion threshold must be positive").
			WithComponent("semantic_cache").
			WithDetail("promotion_threshold", config.PromotionThreshold)
	}
	if config.MaxKeywords < 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "max keywords must be positive").
			WithComponent("semantic_cache").
			WithDetail("max_keywords", config.MaxKeywords)
	}

	logger := config.Logger
	ownsLogger := false
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		ownsLogger = true
	}
	logger = logger.WithComponent("semantic_cache")

	hot, err := NewMemoryStore[string, VectorMeta](&StoreConfig{Capacity: config.HotCapacity})
	if err != nil {
		return nil, err
	}
	warm, err := NewMemoryStore[string, VectorMeta](&StoreConfig{Capacity: config.WarmCapacity})
	if err != nil {
		_ = hot.Close()
		return nil, err
	}

	sc := &SemanticCache{
		config:     config,
		hot:        hot,
		warm:       warm,
		mirror:     mirror,
		logger:     logger,
		ownsLogger: ownsLogger,
		keywords:   make(map[string]map[string]struct{}),
	}

	// Hot overflow spills into warm with access history intact
	hot.OnEvict(func(entry Entry[string, VectorMeta]) {
		sc.statsMu.Lock()
		sc.spills++
		sc.statsMu.Unlock()
		sc.warm.Restore(entry)
	})

	// Warm overflow is dropped; record it so the keyword index can be
	// pruned once the triggering operation has released the pool locks
	warm.OnEvict(func(entry Entry[string, VectorMeta]) {
		sc.evictMu.Lock()
		sc.evicted = append(sc.evicted, entry)
		sc.evictMu.Unlock()
	})

	if mirror != nil {
		queue, err := buffer.NewMirrorQueue(config.Queue, func(ctx context.Context, key string, value []byte) error {
			return mirror.Write(key, value, types.EntryMeta{Source: "semantic_mirror"})
		})
		if err != nil {
			_ = hot.Close()
			_ = warm.Close()
			return nil, err
		}
		sc.queue = queue
	}

	return sc, nil
}

// SemanticKey derives the cache key for a text, its SHA-256 hex digest
func SemanticKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Put stores a text with its embedding vector and importance weight, and
// returns the derived cache key. Weight decides the target pool; the write
// is mirrored without blocking.
func (s *SemanticCache) Put(text string, vector []float32, weight float64) string {
	key := SemanticKey(text)
	value := VectorMeta{Text: text, Vector: vector}
	meta := types.EntryMeta{Weight: weight, Source: "semantic"}

	// A rewrite whose weight crossed the threshold moves pools instead of
	// duplicating across both
	if weight >= s.config.ImportanceThreshold {
		s.warm.Delete(key)
		s.hot.Put(key, value, meta)
	} else {
		s.hot.Delete(key)
		s.warm.Put(key, value, meta)
	}
	s.drainEvicted()

	s.indexKeywords(key, text)
	s.enqueueMirror(key, text, vector, weight)
	return key
}

// Get looks a text up by its derived key. A warm hit re-evaluates
// promotion: the entry moves to hot once its access count reaches the
// promotion threshold or the caller's weight reaches the importance
// threshold. Misses consult the mirror and repopulate the matching pool.
func (s *SemanticCache) Get(text string, weight float64) ([]float32, bool) {
	key := SemanticKey(text)

	if value, ok := s.hot.Get(key); ok {
		return value.Vector, true
	}

	if value, ok := s.warm.Get(key); ok {
		if entry, live := s.warm.PeekEntry(key); live &&
			(entry.AccessCount >= s.config.PromotionThreshold || weight >= s.config.ImportanceThreshold) {
			s.promote(entry, weight)
		}
		return value.Vector, true
	}

	// No pool lock is held here, so the synchronous mirror read cannot
	// stall other cache operations
	if vector, ok := s.consultMirror(key); ok {
		if value, live := s.hot.Get(key); live {
			return value.Vector, true
		}
		if value, live := s.warm.Get(key); live {
			return value.Vector, true
		}
		return vector, true
	}
	return nil, false
}

// SearchByContent finds entries matching the query text. Candidates come
// from the keyword index; each is scored by exact substring match at
// 3.0 x weight, or else by token overlap shaped by weight and access
// count. Results are ordered by score descending and capped at limit.
func (s *SemanticCache) SearchByContent(query string, limit int) []SearchResult {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	candidates := make(map[string]struct{})
	s.mu.RLock()
	for _, token := range queryTokens {
		for key := range s.keywords[token] {
			candidates[key] = struct{}{}
		}
	}
	s.mu.RUnlock()

	lowerQuery := strings.ToLower(query)
	results := make([]SearchResult, 0, len(candidates))
	for key := range candidates {
		entry, ok := s.hot.PeekEntry(key)
		if !ok {
			entry, ok = s.warm.PeekEntry(key)
		}
		if !ok {
			continue // index claim outlived the entry
		}

		weight := entry.Meta.Weight
		var score float64
		if strings.Contains(strings.ToLower(entry.Value.Text), lowerQuery) {
			score = 3.0 * weight
		} else {
			overlap := 0
			entryTokens := tokenSet(entry.Value.Text)
			for _, token := range queryTokens {
				if _, shared := entryTokens[token]; shared {
					overlap++
				}
			}
			if overlap == 0 {
				continue
			}
			ratio := float64(overlap) / float64(len(queryTokens))
			score = ratio * weight * math.Min(2.0, 1.0+0.1*float64(entry.AccessCount))
		}

		results = append(results, SearchResult{
			Key:         key,
			Text:        entry.Value.Text,
			Score:       score,
			Weight:      weight,
			AccessCount: entry.AccessCount,
			Vector:      entry.Value.Vector,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Delete removes a text from both pools, the keyword index and the mirror,
// and reports whether anything was removed
func (s *SemanticCache) Delete(text string) bool {
	key := SemanticKey(text)

	removed := s.hot.Delete(key)
	if s.warm.Delete(key) {
		removed = true
	}

	s.mu.Lock()
	s.removeIndexLocked(key, text)
	s.mu.Unlock()

	if s.queue != nil {
		s.queue.Discard(key)
	}
	if s.mirror != nil && s.mirror.Delete(key) {
		removed = true
	}
	return removed
}

// Hot returns the number of entries in the hot pool
func (s *SemanticCache) Hot() int {
	return s.hot.Len()
}

// Warm returns the number of entries in the warm pool
func (s *SemanticCache) Warm() int {
	return s.warm.Len()
}

// Len returns the total number of resident entries
func (s *SemanticCache) Len() int {
	return s.hot.Len() + s.warm.Len()
}

// Resize adjusts the pool capacities. Shrinking the hot pool spills its
// excess into warm; shrinking warm drops excess outright.
func (s *SemanticCache) Resize(hotCapacity, warmCapacity int) {
	s.hot.Resize(hotCapacity)
	s.warm.Resize(warmCapacity)
	s.drainEvicted()
}

// Sync flushes all pending mirror writes, blocking until the queue is
// empty or the context expires
func (s *SemanticCache) Sync(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.Sync(ctx)
}

// Stats returns current semantic cache statistics
func (s *SemanticCache) Stats() SemanticCacheStats {
	stats := SemanticCacheStats{
		Hot:  s.hot.Stats(),
		Warm: s.warm.Stats(),
	}

	s.statsMu.Lock()
	stats.Promotions = s.promotions
	stats.Spills = s.spills
	stats.MirrorHits = s.mirrorHits
	stats.MirrorDrops = s.mirrorDrops
	s.statsMu.Unlock()

	s.mu.RLock()
	stats.Keywords = len(s.keywords)
	s.mu.RUnlock()

	if s.queue != nil {
		stats.Queue = s.queue.Stats()
	}
	return stats
}

// Close stops the mirror queue and the pools. The mirror store itself is
// owned by the caller and stays open.
func (s *SemanticCache) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.queue != nil {
			err = s.queue.Close()
		}
		_ = s.hot.Close()
		_ = s.warm.Close()
		if s.ownsLogger {
			_ = s.logger.Close()
		}
	})
	return err
}

// promote moves a warm entry into the hot pool, keeping its access
// history. A higher caller weight sticks; weights only rise on promotion.
func (s *SemanticCache) promote(entry Entry[string, VectorMeta], weight float64) {
	if weight > entry.Meta.Weight {
		entry.Meta.Weight = weight
	}
	if !s.warm.Delete(entry.Key) {
		return // raced with another promotion or a delete
	}
	s.hot.Restore(entry)

	s.statsMu.Lock()
	s.promotions++
	s.statsMu.Unlock()

	s.drainEvicted()
}

// consultMirror reads a missed key from the durable mirror and repopulates
// the pool matching its stored weight
func (s *SemanticCache) consultMirror(key string) ([]float32, bool) {
	if s.mirror == nil {
		return nil, false
	}

	raw, ok := s.mirror.Get(key)
	if !ok {
		return nil, false
	}

	var rec mirrorRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("Dropped undecodable mirror record", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		s.mirror.Delete(key)
		return nil, false
	}

	entry := Entry[string, VectorMeta]{
		Key:   key,
		Value: VectorMeta{Text: rec.Text, Vector: rec.Vector},
		Meta:  types.EntryMeta{Weight: rec.Weight, Source: "mirror"},
	}
	if rec.Weight >= s.config.ImportanceThreshold {
		s.hot.Restore(entry)
	} else {
		s.warm.Restore(entry)
	}
	s.drainEvicted()
	s.indexKeywords(key, rec.Text)

	s.statsMu.Lock()
	s.mirrorHits++
	s.statsMu.Unlock()

	return rec.Vector, true
}

// enqueueMirror hands a write to the mirror queue without blocking. A full
// queue drops the write and counts the drop.
func (s *SemanticCache) enqueueMirror(key, text string, vector []float32, weight float64) {
	if s.queue == nil {
		return
	}

	raw, err := json.Marshal(mirrorRecord{Text: text, Vector: vector, Weight: weight})
	if err != nil {
		s.logger.Warn("Failed to encode mirror record", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return
	}

	if !s.queue.Enqueue(key, raw) {
		s.statsMu.Lock()
		s.mirrorDrops++
		s.statsMu.Unlock()
		s.logger.Debug("Mirror write dropped, queue full", map[string]interface{}{
			"key": key,
		})
	}
}

// indexKeywords records the entry under its extracted keywords
func (s *SemanticCache) indexKeywords(key, text string) {
	keywords := tokenize(text)
	if len(keywords) > s.config.MaxKeywords {
		keywords = keywords[:s.config.MaxKeywords]
	}
	if len(keywords) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, keyword := range keywords {
		set, ok := s.keywords[keyword]
		if !ok {
			set = make(map[string]struct{})
			s.keywords[keyword] = set
		}
		set[key] = struct{}{}
	}
}

// removeIndexLocked drops the entry's index claims. The full token set is
// a superset of what was indexed, so removing by it is always safe.
func (s *SemanticCache) removeIndexLocked(key, text string) {
	for _, keyword := range tokenize(text) {
		set, ok := s.keywords[keyword]
		if !ok {
			continue
		}
		delete(set, key)
		if len(set) == 0 {
			delete(s.keywords, keyword)
		}
	}
}

// drainEvicted prunes index claims of entries the warm pool dropped. Runs
// after the triggering operation has released the pool locks.
func (s *SemanticCache) drainEvicted() {
	s.evictMu.Lock()
	evicted := s.evicted
	s.evicted = nil
	s.evictMu.Unlock()

	if len(evicted) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range evicted {
		// The key may have been reinserted since the eviction
		if s.hot.Contains(entry.Key) || s.warm.Contains(entry.Key) {
			continue
		}
		s.removeIndexLocked(entry.Key, entry.Value.Text)
	}
}

// tokenize lowercases the text and splits it into unique index tokens.
// Letter and digit runs form one token each; CJK characters become
// single-rune tokens so substring queries in unsegmented text still
// token-match. Stop words and single-byte tokens are dropped.
func tokenize(text string) []string {
	var tokens []string
	seen := make(map[string]struct{})
	var current []rune

	emit := func(token string) {
		if len(token) <= 1 {
			return
		}
		if _, stop := stopWords[token]; stop {
			return
		}
		if _, dup := seen[token]; dup {
			return
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	flush := func() {
		if len(current) == 0 {
			return
		}
		emit(string(current))
		current = current[:0]
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case isCJK(r):
			flush()
			emit(string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current = append(current, r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// tokenSet returns the entry's tokens as a set for overlap scoring
func tokenSet(text string) map[string]struct{} {
	tokens := tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hangul, unicode.Hiragana, unicode.Katakana)
}

// stopWords are tokens too common to carry signal, English plus Chinese.
// The tokenizer splits CJK text into single runes, so only single-rune
// Chinese entries can ever match.
var stopWords = func() map[string]struct{} {
	words := []string{
		"the", "and", "for", "are", "was", "were", "has", "have", "had",
		"not", "with", "this", "that", "these", "those", "from", "they",
		"them", "you", "your", "our", "his", "her", "its", "their", "but",
		"can", "will", "would", "could", "should", "may", "might", "must",
		"shall", "about", "into", "over", "under", "after", "before",
		"between", "during", "without", "within", "all", "any", "each",
		"more", "most", "some", "such", "only", "than", "then", "too",
		"very", "just", "also", "been", "being", "does", "did", "done",
		"out", "off", "nor", "what", "which", "who", "when", "where",
		"how", "why",
		"的", "了", "是", "在", "我", "有", "和", "就", "不", "人",
		"都", "一", "上", "也", "很", "到", "说", "要", "去", "你",
		"会", "着", "看", "好", "这", "那", "他", "她", "它", "们",
		"个", "为", "与", "及", "或", "等", "被", "从", "对", "能",
		"还", "把", "给", "让", "向", "之", "于", "并", "但", "而",
		"吗", "吧", "呢", "啊",
	}
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		set[word] = struct{}{}
	}
	return set
}()
