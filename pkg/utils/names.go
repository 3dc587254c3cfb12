package utils

import (
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/iancoleman/strcase"
	"github.com/soundprediction/chronograph/pkg/types"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Deduplication heuristics.
const (
	NameEntropyThreshold  = 1.5
	MinNameLength         = 6
	MinTokenCount         = 2
	FuzzyJaccardThreshold = 0.9
	MinHashPermutations   = 32
	MinHashBandSize       = 4

	// DefaultRelationType is used when the oracle leaves a relation type blank.
	DefaultRelationType = "RELATES_TO"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	romanNumeral  = regexp.MustCompile(`^m{0,4}(cm|cd|d?c{0,3})(xc|xl|l?x{0,3})(ix|iv|v?i{0,3})$`)
	markupChars   = strings.NewReplacer("{", "", "}", "", "[", "", "]", "", "<", "", ">", "")
	folder        = cases.Fold()
	shingleCache  sync.Map
)

// NormalizeStringExact folds case, applies NFKC and collapses whitespace so
// names that differ only in presentation map to the same key.
func NormalizeStringExact(name string) string {
	normalized := folder.String(norm.NFKC.String(name))
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(normalized, " "))
}

// NormalizeNameForFuzzy keeps letters, digits and apostrophes for shingling.
func NormalizeNameForFuzzy(name string) string {
	normalized := NormalizeStringExact(name)
	var b strings.Builder
	for _, r := range normalized {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(b.String(), " "))
}

// StripMarkup removes bracket markup characters from a name and collapses
// the whitespace left behind.
func StripMarkup(name string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(markupChars.Replace(name), " "))
}

// NumeralsDiffer reports whether two fuzzy-normalised names differ in a
// token that is a number or a roman numeral, as in "Fund VII" and
// "Fund VIII". Such names denote different things however similar they look.
func NumeralsDiffer(a, b string) bool {
	tokensA := tokenSet(a)
	tokensB := tokenSet(b)
	for token := range tokensA {
		if _, ok := tokensB[token]; !ok && isNumeral(token) {
			return true
		}
	}
	for token := range tokensB {
		if _, ok := tokensA[token]; !ok && isNumeral(token) {
			return true
		}
	}
	return false
}

func tokenSet(name string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, token := range strings.Fields(name) {
		set[token] = struct{}{}
	}
	return set
}

func isNumeral(token string) bool {
	for _, r := range token {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return token != "" && romanNumeral.MatchString(token)
}

// ChooseCanonicalName picks the most complete name among candidates after
// stripping markup. Descriptive labels starting with an article rank below
// proper names; otherwise more words win, then more characters, then the
// earlier candidate.
func ChooseCanonicalName(candidates ...string) string {
	best := ""
	bestScore := [3]int{-1, -1, -1}
	for _, c := range candidates {
		name := StripMarkup(c)
		if name == "" {
			continue
		}
		score := [3]int{1, len(strings.Fields(name)), len([]rune(name))}
		if isDescriptiveLabel(name) {
			score[0] = 0
		}
		if better(score, bestScore) {
			best, bestScore = name, score
		}
	}
	return best
}

func better(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

func isDescriptiveLabel(name string) bool {
	lower := strings.ToLower(name)
	for _, article := range []string{"the ", "a ", "an "} {
		if strings.HasPrefix(lower, article) {
			return true
		}
	}
	return false
}

// NormalizeRelationType converts a predicate to SCREAMING_SNAKE_CASE.
func NormalizeRelationType(relation string) string {
	relation = strings.TrimSpace(StripMarkup(relation))
	if relation == "" {
		return DefaultRelationType
	}
	out := strcase.ToScreamingSnake(relation)
	out = strings.Trim(out, "_")
	if out == "" {
		return DefaultRelationType
	}
	return out
}

func nameEntropy(normalizedName string) float64 {
	text := strings.ReplaceAll(normalizedName, " ", "")
	if text == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range text {
		counts[r]++
		total++
	}
	var entropy float64
	for _, count := range counts {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// HasHighEntropy filters out short or repetitive names that are unreliable
// for fuzzy matching.
func HasHighEntropy(normalizedName string) bool {
	tokenCount := len(strings.Fields(normalizedName))
	if len([]rune(normalizedName)) < MinNameLength && tokenCount < MinTokenCount {
		return false
	}
	return nameEntropy(normalizedName) >= NameEntropyThreshold
}

// Shingles returns the 3-rune shingles of a fuzzy-normalised name, cached per name.
func Shingles(name string) []string {
	if cached, ok := shingleCache.Load(name); ok {
		return cached.([]string)
	}
	runes := []rune(strings.ReplaceAll(name, " ", ""))
	var out []string
	switch {
	case len(runes) == 0:
		out = []string{}
	case len(runes) < 3:
		out = []string{string(runes)}
	default:
		out = make([]string, 0, len(runes)-2)
		for i := 0; i+3 <= len(runes); i++ {
			out = append(out, string(runes[i:i+3]))
		}
	}
	shingleCache.Store(name, out)
	return out
}

func hashShingle(shingle string, seed int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%s", seed, shingle)
	return h.Sum64()
}

// MinHashSignature computes the MinHash signature of a shingle set.
func MinHashSignature(shingleSet []string) []uint64 {
	if len(shingleSet) == 0 {
		return nil
	}
	signature := make([]uint64, MinHashPermutations)
	for seed := range signature {
		minHash := uint64(math.MaxUint64)
		for _, s := range shingleSet {
			if h := hashShingle(s, seed); h < minHash {
				minHash = h
			}
		}
		signature[seed] = minHash
	}
	return signature
}

// LSHBandKeys splits a signature into fixed-size bands and returns one bucket key per band.
func LSHBandKeys(signature []uint64) []string {
	keys := make([]string, 0, len(signature)/MinHashBandSize)
	for start := 0; start+MinHashBandSize <= len(signature); start += MinHashBandSize {
		keys = append(keys, fmt.Sprintf("%d:%v", start/MinHashBandSize, signature[start:start+MinHashBandSize]))
	}
	return keys
}

// JaccardSimilarity returns the Jaccard similarity between two shingle sets.
func JaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[s] = struct{}{}
	}
	intersection := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// NameIndex holds exact and MinHash lookup structures over a fixed node list.
type NameIndex struct {
	nodes    []*types.Node
	exact    map[string][]int
	fuzzy    []string
	shingles [][]string
	buckets  map[string][]int
}

// NewNameIndex indexes nodes by normalised name and by LSH bucket.
func NewNameIndex(nodes []*types.Node) *NameIndex {
	ix := &NameIndex{
		nodes:    nodes,
		exact:    make(map[string][]int),
		fuzzy:    make([]string, len(nodes)),
		shingles: make([][]string, len(nodes)),
		buckets:  make(map[string][]int),
	}
	for i, n := range nodes {
		key := NormalizeStringExact(n.Name)
		ix.exact[key] = append(ix.exact[key], i)

		ix.fuzzy[i] = NormalizeNameForFuzzy(n.Name)
		sh := Shingles(ix.fuzzy[i])
		ix.shingles[i] = sh
		for _, band := range LSHBandKeys(MinHashSignature(sh)) {
			ix.buckets[band] = append(ix.buckets[band], i)
		}
	}
	return ix
}

// Nodes returns the indexed nodes.
func (ix *NameIndex) Nodes() []*types.Node {
	return ix.nodes
}

// ExactMatches returns the indexes of nodes whose normalised name equals name's.
func (ix *NameIndex) ExactMatches(name string) []int {
	return ix.exact[NormalizeStringExact(name)]
}

// FuzzyMatch returns the best LSH candidate for name whose Jaccard similarity
// reaches FuzzyJaccardThreshold. Low-entropy names never match, and neither
// do names that differ in a numeral.
func (ix *NameIndex) FuzzyMatch(name string) (int, float64, bool) {
	fuzzy := NormalizeNameForFuzzy(name)
	if !HasHighEntropy(fuzzy) {
		return -1, 0, false
	}
	sh := Shingles(fuzzy)
	seen := make(map[int]bool)
	best, bestScore := -1, 0.0
	for _, band := range LSHBandKeys(MinHashSignature(sh)) {
		for _, idx := range ix.buckets[band] {
			if seen[idx] {
				continue
			}
			seen[idx] = true
			if NumeralsDiffer(fuzzy, ix.fuzzy[idx]) {
				continue
			}
			score := JaccardSimilarity(sh, ix.shingles[idx])
			if score > bestScore || (score == bestScore && best >= 0 && idx < best) {
				best, bestScore = idx, score
			}
		}
	}
	if best < 0 || bestScore < FuzzyJaccardThreshold {
		return -1, bestScore, false
	}
	return best, bestScore, true
}
