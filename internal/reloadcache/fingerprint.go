// Package reloadcache remembers the action sequences produced for past
// tasks so a repeated request can replay them without a provider round
// trip. Entries are matched by fingerprint: trigger, normalized content
// n-grams, and the shape of the desktop when the entry was recorded.
package reloadcache

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Similarity weights and default matching knobs.
const (
	triggerWeight     = 0.5
	ngramWeight       = 0.3
	windowStateWeight = 0.2

	// ExactThreshold is the similarity floor for an exact match; the
	// content hashes must also be equal.
	ExactThreshold = 0.95

	// DefaultSimilarityThreshold is the fuzzy-candidate floor.
	DefaultSimilarityThreshold = 0.6

	// DefaultMaxCandidates caps a lookup's fuzzy candidate list.
	DefaultMaxCandidates = 3

	defaultMemoizeSize = 256
)

// Prompt scaffolding stripped before hashing: these blocks change on every
// turn even when the user is asking for the same thing.
var (
	openWindowsRe      = regexp.MustCompile(`(?s)<open_windows>.*?</open_windows>`)
	userInteractionRe  = regexp.MustCompile(`(?s)<user_interaction:[^>]*>.*?</user_interaction:[^>]*>`)
	prevInteractionsRe = regexp.MustCompile(`(?s)<previous_interactions>.*?</previous_interactions>`)
	whitespaceRe       = regexp.MustCompile(`\s+`)
)

// Fingerprint identifies one task for cache matching.
type Fingerprint struct {
	TriggerType     string   `json:"triggerType"`
	TriggerTarget   string   `json:"triggerTarget,omitempty"`
	Ngrams          []string `json:"ngrams,omitempty"`
	ContentHash     string   `json:"contentHash"`
	WindowStateHash string   `json:"windowStateHash"`
}

// normalized caches the expensive part of fingerprinting one content string.
type normalized struct {
	ngrams []string
	hash   string
}

// Normalizer turns raw task content into n-grams and a content hash,
// memoizing results for repeated prompts.
type Normalizer struct {
	memo *lru.Cache[string, normalized]
}

// NewNormalizer creates a normalizer with an LRU of the given size.
func NewNormalizer(memoizeSize int) *Normalizer {
	if memoizeSize <= 0 {
		memoizeSize = defaultMemoizeSize
	}
	memo, err := lru.New[string, normalized](memoizeSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		memo, _ = lru.New[string, normalized](defaultMemoizeSize)
	}
	return &Normalizer{memo: memo}
}

// Normalize strips per-turn scaffolding, lowercases, collapses whitespace,
// and returns the word n-grams plus the SHA-256 of the normalized text.
func (n *Normalizer) Normalize(content string) ([]string, string) {
	if cached, ok := n.memo.Get(content); ok {
		return cached.ngrams, cached.hash
	}

	text := openWindowsRe.ReplaceAllString(content, " ")
	text = userInteractionRe.ReplaceAllString(text, " ")
	text = prevInteractionsRe.ReplaceAllString(text, " ")
	text = strings.ToLower(text)
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))

	ngrams := wordNgrams(text)
	sum := sha256.Sum256([]byte(text))
	result := normalized{ngrams: ngrams, hash: hex.EncodeToString(sum[:])}
	n.memo.Add(content, result)
	return result.ngrams, result.hash
}

// wordNgrams computes word bigrams, degrading to unigrams for texts of
// fewer than two words.
func wordNgrams(text string) []string {
	if text == "" {
		return nil
	}
	words := strings.Fields(text)
	if len(words) < 2 {
		return words
	}
	ngrams := make([]string, 0, len(words)-1)
	for i := 0; i+1 < len(words); i++ {
		ngrams = append(ngrams, words[i]+" "+words[i+1])
	}
	return ngrams
}

// WindowStateHash digests the open windows as sorted "id:renderer" pairs,
// truncated to 16 hex characters.
func WindowStateHash(renderers map[string]string) string {
	pairs := make([]string, 0, len(renderers))
	for id, renderer := range renderers {
		pairs = append(pairs, id+":"+renderer)
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// NewFingerprint builds a fingerprint for one task.
func (n *Normalizer) NewFingerprint(triggerType, triggerTarget, content string, renderers map[string]string) Fingerprint {
	ngrams, hash := n.Normalize(content)
	return Fingerprint{
		TriggerType:     triggerType,
		TriggerTarget:   triggerTarget,
		Ngrams:          ngrams,
		ContentHash:     hash,
		WindowStateHash: WindowStateHash(renderers),
	}
}

// Similarity scores two fingerprints in [0, 1]: trigger agreement counts
// for half, content n-gram overlap for 0.3, matching desktop shape for 0.2.
func Similarity(a, b Fingerprint) float64 {
	score := triggerScore(a, b)
	score += ngramWeight * jaccard(a.Ngrams, b.Ngrams)
	if a.WindowStateHash == b.WindowStateHash {
		score += windowStateWeight
	}
	return score
}

// IsExact reports an exact cache hit: near-identical similarity plus equal
// content hashes.
func IsExact(a, b Fingerprint) bool {
	return a.ContentHash == b.ContentHash && Similarity(a, b) >= ExactThreshold
}

func triggerScore(a, b Fingerprint) float64 {
	if a.TriggerType != b.TriggerType {
		return 0
	}
	if a.TriggerTarget == b.TriggerTarget {
		return triggerWeight
	}
	return triggerWeight / 2
}

// jaccard computes set overlap over the two n-gram lists. Two empty lists
// count as identical.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, g := range a {
		setA[g] = true
	}
	intersection := 0
	setB := make(map[string]bool, len(b))
	for _, g := range b {
		if setB[g] {
			continue
		}
		setB[g] = true
		if setA[g] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}
