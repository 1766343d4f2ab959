package features_test

import (
	"math"
	"reflect"
	"testing"

	"textdetect-service/internal/features"
)

const eps = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < eps }

func TestExtract_SampleSentence(t *testing.T) {
	text := "This is a simple sentence. It tests feature extraction! 123"
	v, s := features.Extract(text)

	if len(v) != 10 {
		t.Fatalf("expected 10 features, got %d", len(v))
	}

	want := map[int]float64{
		features.IdxAvgWordLen:      5.0,
		features.IdxTypeTokenRatio:  1.0,
		features.IdxPunctRatio:      2.0 / 59.0,
		features.IdxStopRatio:       4.0 / 9.0,
		features.IdxMeanSentLen:     3.0,
		features.IdxStdSentLen:      math.Sqrt(14.0 / 3.0),
		features.IdxBigramSparsity:  1.0,
		features.IdxTrigramSparsity: 1.0,
		features.IdxCapsRatio:       2.0 / 9.0,
		features.IdxDigitRatio:      0,
	}
	for idx, w := range want {
		if !near(v[idx], w) {
			t.Fatalf("%s: expected %v, got %v", features.Keys[idx], w, v[idx])
		}
	}

	for _, k := range []string{"ttr", "punct_ratio", "stop_ratio"} {
		if s[k] < 0 || s[k] > 1 {
			t.Fatalf("%s out of [0,1]: %v", k, s[k])
		}
	}
	if s["digit_ratio"] != 0 {
		t.Fatalf("digit_ratio must be 0, got %v", s["digit_ratio"])
	}
	if s["std_sent_len"] != 2.1602 {
		t.Fatalf("expected rounded std 2.1602, got %v", s["std_sent_len"])
	}
}

func TestExtract_EmptyText(t *testing.T) {
	v, s := features.Extract("")

	if v != (features.Vector{}) {
		t.Fatalf("expected all-zero vector, got %v", v)
	}
	if len(s) != features.Size {
		t.Fatalf("expected %d summary keys, got %d", features.Size, len(s))
	}
	for k, x := range s {
		if x != 0 {
			t.Fatalf("%s: expected 0, got %v", k, x)
		}
	}
	if got := features.Sentences(""); len(got) != 0 {
		t.Fatalf("expected zero sentences, got %#v", got)
	}
}

func TestExtract_RepeatedTokens(t *testing.T) {
	v, _ := features.Extract("the the the.")

	cases := []struct {
		idx  int
		want float64
	}{
		{features.IdxAvgWordLen, 3},
		{features.IdxTypeTokenRatio, 1.0 / 3.0},
		{features.IdxPunctRatio, 1.0 / 12.0},
		{features.IdxStopRatio, 1},
		{features.IdxMeanSentLen, 3},
		{features.IdxStdSentLen, 0},
		{features.IdxBigramSparsity, 0.5},
		{features.IdxTrigramSparsity, 1},
		{features.IdxCapsRatio, 0},
	}
	for _, c := range cases {
		if !near(v[c.idx], c.want) {
			t.Fatalf("%s: expected %v, got %v", features.Keys[c.idx], c.want, v[c.idx])
		}
	}
}

func TestExtract_FewerTokensThanNgramOrder(t *testing.T) {
	v, _ := features.Extract("Hello")
	if v[features.IdxBigramSparsity] != 0 || v[features.IdxTrigramSparsity] != 0 {
		t.Fatalf("expected zero sparsity for a single token, got %v/%v",
			v[features.IdxBigramSparsity], v[features.IdxTrigramSparsity])
	}
	if v[features.IdxCapsRatio] != 1 {
		t.Fatalf("expected caps_ratio=1, got %v", v[features.IdxCapsRatio])
	}
}

func TestExtract_DigitsNeverTokenized(t *testing.T) {
	v, _ := features.Extract("2024 1999 42 and 7")
	if v[features.IdxDigitRatio] != 0 {
		t.Fatalf("expected digit_ratio=0, got %v", v[features.IdxDigitRatio])
	}
	if v[features.IdxStopRatio] != 1 {
		t.Fatalf("expected only 'and' tokenized, got stop_ratio=%v", v[features.IdxStopRatio])
	}
}

func TestExtract_Deterministic(t *testing.T) {
	text := "Don't panic. The quick brown fox jumps over the lazy dog!? (Again) [and again]"
	v1, s1 := features.Extract(text)
	j1, err := s1.JSON()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	for i := 0; i < 20; i++ {
		v2, s2 := features.Extract(text)
		if v1 != v2 {
			t.Fatalf("vector changed between runs: %v vs %v", v1, v2)
		}
		if !reflect.DeepEqual(s1, s2) {
			t.Fatalf("summary changed between runs")
		}
		j2, _ := s2.JSON()
		if j1 != j2 {
			t.Fatalf("summary json changed: %s vs %s", j1, j2)
		}
	}
}

func TestExtract_Ranges(t *testing.T) {
	texts := []string{
		"",
		"   ",
		"!!!",
		"one",
		"A B C D E F G. H I J K!",
		"Mixed 123 numbers, (punctuation); and \"quotes\" - lots: of them?",
		"Ünïcödé text wïth àccents. Still works.",
		"line one\nline two\n\nline three...",
	}
	ratios := []int{
		features.IdxTypeTokenRatio,
		features.IdxPunctRatio,
		features.IdxStopRatio,
		features.IdxBigramSparsity,
		features.IdxTrigramSparsity,
		features.IdxCapsRatio,
		features.IdxDigitRatio,
	}
	for _, text := range texts {
		v, _ := features.Extract(text)
		for _, idx := range ratios {
			if v[idx] < 0 || v[idx] > 1 {
				t.Fatalf("%q: %s out of [0,1]: %v", text, features.Keys[idx], v[idx])
			}
		}
		if v[features.IdxMeanSentLen] < 0 || v[features.IdxStdSentLen] < 0 {
			t.Fatalf("%q: negative sentence stats", text)
		}
	}
}

func TestSentences(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   \n ", nil},
		{"!!!", []string{"!!!"}},
		{"One. Two! Three?", []string{"One.", "Two!", "Three?"}},
		{"no terminal", []string{"no terminal"}},
		{"Wait... what", []string{"Wait.", "what"}},
	}
	for _, c := range cases {
		got := features.Sentences(c.in)
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("Sentences(%q): expected %#v, got %#v", c.in, c.want, got)
		}
	}
}

func TestSummary_JSONSortedKeys(t *testing.T) {
	_, s := features.Extract("")
	got, err := s.JSON()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	want := `{"avg_word_len":0,"bigram_sparsity":0,"caps_ratio":0,"digit_ratio":0,"mean_sent_len":0,"punct_ratio":0,"std_sent_len":0,"stop_ratio":0,"trigram_sparsity":0,"ttr":0}`
	if got != want {
		t.Fatalf("unexpected json:\n%s", got)
	}
}
