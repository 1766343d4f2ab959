// Package features turns raw document text into the fixed-length numeric
// vector consumed by the inference engine.
//
// Extraction is pure and deterministic: the same text always yields the same
// Vector and Summary.
package features

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Size is the length of every feature vector.
const Size = 10

// Vector order is fixed; see Keys.
type Vector [Size]float64

// Summary carries the same values as the Vector, rounded to 4 decimals,
// keyed by Keys.
type Summary map[string]float64

// Keys names each Vector slot, in order.
var Keys = [Size]string{
	"avg_word_len",
	"ttr",
	"punct_ratio",
	"stop_ratio",
	"mean_sent_len",
	"std_sent_len",
	"bigram_sparsity",
	"trigram_sparsity",
	"caps_ratio",
	"digit_ratio",
}

const (
	IdxAvgWordLen = iota
	IdxTypeTokenRatio
	IdxPunctRatio
	IdxStopRatio
	IdxMeanSentLen
	IdxStdSentLen
	IdxBigramSparsity
	IdxTrigramSparsity
	IdxCapsRatio
	IdxDigitRatio
)

var (
	wordRe     = regexp.MustCompile(`[A-Za-z']+`)
	sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]?`)
)

const punctChars = `.,;:!?-()[]{}"'`

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "if": {},
	"then": {}, "of": {}, "to": {}, "in": {}, "on": {}, "for": {}, "with": {},
	"as": {}, "by": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {},
	"been": {}, "it": {}, "this": {}, "that": {}, "at": {}, "from": {},
}

// Extract computes the feature vector and its rounded summary.
func Extract(text string) (Vector, Summary) {
	raw := wordRe.FindAllString(text, -1)
	tokens := lowerAll(raw)
	n := float64(len(tokens))

	var v Vector

	if len(tokens) > 0 {
		total := 0
		distinct := make(map[string]struct{}, len(tokens))
		stops, caps, digits := 0, 0, 0
		for i, t := range tokens {
			total += len(t)
			distinct[t] = struct{}{}
			if _, ok := stopWords[t]; ok {
				stops++
			}
			if r, _ := utf8.DecodeRuneInString(raw[i]); unicode.IsUpper(r) {
				caps++
			}
			if isDigits(t) {
				digits++
			}
		}
		v[IdxAvgWordLen] = float64(total) / n
		v[IdxTypeTokenRatio] = float64(len(distinct)) / n
		v[IdxStopRatio] = float64(stops) / n
		v[IdxCapsRatio] = float64(caps) / n
		v[IdxDigitRatio] = float64(digits) / n
	}

	chars := utf8.RuneCountInString(text)
	if chars == 0 {
		chars = 1
	}
	v[IdxPunctRatio] = float64(countPunct(text)) / float64(chars)

	lens := sentenceLengths(text)
	v[IdxMeanSentLen], v[IdxStdSentLen] = meanStd(lens)

	v[IdxBigramSparsity] = sparsity(tokens, 2)
	v[IdxTrigramSparsity] = sparsity(tokens, 3)

	return v, summarize(v)
}

// Mean is the arithmetic mean of all slots.
func (v Vector) Mean() float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / Size
}

// JSON encodes the summary with sorted keys, so equal summaries encode
// to identical bytes.
func (s Summary) JSON() (string, error) {
	b, err := json.Marshal(map[string]float64(s))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Sentences splits text into trimmed, non-empty sentences. A non-empty text
// without any segment is one sentence; blank text has none.
func Sentences(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	var out []string
	for _, s := range sentenceRe.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{trimmed}
	}
	return out
}

func sentenceLengths(text string) []float64 {
	sents := Sentences(text)
	if len(sents) == 0 {
		return []float64{0}
	}
	lens := make([]float64, len(sents))
	for i, s := range sents {
		lens[i] = float64(len(wordRe.FindAllString(s, -1)))
	}
	return lens
}

// meanStd returns the mean and the population standard deviation.
func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func sparsity(tokens []string, n int) float64 {
	total := len(tokens) - n + 1
	if total <= 0 {
		return 0
	}
	seen := make(map[string]struct{}, total)
	for i := 0; i < total; i++ {
		seen[strings.Join(tokens[i:i+n], "\x00")] = struct{}{}
	}
	return float64(len(seen)) / float64(total)
}

func countPunct(text string) int {
	c := 0
	for _, r := range text {
		if strings.ContainsRune(punctChars, r) {
			c++
		}
	}
	return c
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// isDigits never matches a token from wordRe; digit_ratio stays 0 by construction.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func summarize(v Vector) Summary {
	s := make(Summary, Size)
	for i, k := range Keys {
		s[k] = round4(v[i])
	}
	return s
}

// round4 rounds the exact binary value to 4 decimals, ties to even.
func round4(x float64) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(x, 'f', 4, 64), 64)
	if err != nil {
		return x
	}
	return r
}
