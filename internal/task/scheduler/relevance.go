package scheduler

import (
	"slices"
	"strings"
	"time"
	"unicode"

	"autochat/internal/transport"
)

const relevanceWindow = 30 * time.Minute

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "also": {}, "been": {}, "being": {}, "could": {},
	"does": {}, "doing": {}, "even": {}, "from": {}, "have": {}, "here": {}, "just": {},
	"know": {}, "like": {}, "more": {}, "much": {}, "only": {}, "really": {}, "same": {},
	"some": {}, "still": {}, "such": {}, "than": {}, "that": {}, "their": {}, "them": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "thing": {}, "think": {}, "this": {},
	"those": {}, "very": {}, "want": {}, "were": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "while": {}, "will": {}, "with": {}, "would": {}, "yeah": {}, "your": {},
}

// Relevance scores how worth joining a conversation is, in [0,1], and
// returns a short topic summary built from its most frequent keywords.
//
// The score weighs message volume (0.35), distinct authors (0.25), recency
// of the last message within 30 minutes (0.25) and questions asked (0.15).
// Bot messages are ignored.
func Relevance(msgs []transport.Message, now time.Time) (float64, string) {
	var (
		count     int
		questions int
		latest    time.Time
		authors   = map[int64]struct{}{}
		freq      = map[string]int{}
	)
	for _, m := range msgs {
		if m.FromIsBot || strings.TrimSpace(m.Text) == "" {
			continue
		}
		count++
		authors[m.FromID] = struct{}{}
		if strings.Contains(m.Text, "?") {
			questions++
		}
		if m.At.After(latest) {
			latest = m.At
		}
		for _, w := range keywords(m.Text) {
			freq[w]++
		}
	}
	if count == 0 {
		return 0, ""
	}

	volume := min(float64(count)/10, 1)
	diversity := min(float64(len(authors))/3, 1)
	asked := min(float64(questions)/2, 1)
	recency := 0.0
	if age := now.Sub(latest); age < relevanceWindow {
		recency = 1 - float64(max(age, 0))/float64(relevanceWindow)
	}
	score := volume*0.35 + diversity*0.25 + recency*0.25 + asked*0.15
	return min(score, 1), topicOf(freq, 3)
}

func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 4 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// topicOf joins the n most frequent words; ties break alphabetically.
func topicOf(freq map[string]int, n int) string {
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	slices.SortFunc(words, func(a, b string) int {
		if freq[a] != freq[b] {
			return freq[b] - freq[a]
		}
		return strings.Compare(a, b)
	})
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, ", ")
}
