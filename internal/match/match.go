// Package match scores listing titles against a user's free-text movie name.
package match

import (
	"math"
	"sort"

	"github.com/bryan-buckman/showtracker/internal/model"
)

// DefaultThreshold is the minimum score a title needs to count as a match.
const DefaultThreshold = 70

// Result is a candidate title with its similarity score in [0, 100].
type Result struct {
	Title string `json:"title"`
	Score int    `json:"score"`
}

// Matcher ranks candidate titles by similarity to a query.
type Matcher struct {
	Threshold int
}

// New returns a Matcher; thresholds outside [0, 100] fall back to the default.
func New(threshold int) Matcher {
	if threshold < 0 || threshold > 100 {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

// Match returns every candidate scoring at least the threshold, best first.
// Ties prefer the shorter title, then lexical order. An empty query or empty
// candidate list yields no results.
func (m Matcher) Match(query string, titles []string) []Result {
	q := []rune(model.NormalizeTitle(query))
	if len(q) == 0 || len(titles) == 0 {
		return nil
	}
	var out []Result
	seen := make(map[string]bool, len(titles))
	for _, title := range titles {
		key := model.NormalizeTitle(title)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if s := score(q, []rune(key)); s >= m.Threshold {
			out = append(out, Result{Title: title, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		li, lj := len([]rune(out[i].Title)), len([]rune(out[j].Title))
		if li != lj {
			return li < lj
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// Best returns the top-ranked match, if any.
func (m Matcher) Best(query string, titles []string) (Result, bool) {
	res := m.Match(query, titles)
	if len(res) == 0 {
		return Result{}, false
	}
	return res[0], true
}

// Score returns the similarity of two strings after normalization.
func Score(a, b string) int {
	ra := []rune(model.NormalizeTitle(a))
	rb := []rune(model.NormalizeTitle(b))
	if len(ra) == 0 && len(rb) == 0 {
		return 100
	}
	return score(ra, rb)
}

func score(a, b []rune) int {
	total := len(a) + len(b)
	if total == 0 {
		return 0
	}
	return int(math.Round(200 * float64(lcs(a, b)) / float64(total)))
}

// lcs is the length of the longest common subsequence, two-row DP.
func lcs(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
