// Package suggest ranks candidate names by similarity to a mistyped input.
package suggest

import (
	"sort"

	"github.com/agext/levenshtein"
)

// MinScore is the similarity below which a candidate is not suggested.
const MinScore = 0.5

type suggestion struct {
	text  string
	score float64
}

// Similar returns the candidates similar to input, best match first.
func Similar(input string, candidates []string) []string {
	var result []suggestion
	for _, text := range candidates {
		score := Score(input, text)
		if score < MinScore {
			continue
		}
		result = append(result, suggestion{
			text:  text,
			score: score,
		})
	}
	sortSuggestions(result)
	out := make([]string, 0, len(result))
	for _, s := range result {
		out = append(out, s.text)
	}
	return out
}

func sortSuggestions(s []suggestion) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].score > s[j].score
	})
}

// Score returns the similarity of given and suggestion in [0,1].
func Score(given, suggestion string) float64 {
	return levenshtein.Similarity(given, suggestion, nil)
}
