// Copyright 2025 Knowledgecore Project

package retrieval

import (
	"math"
	"testing"
)

func baseConfig() Config {
	return Config{
		K:                  60,
		SourcePriorLexical: 1.0,
		SourcePriorVector:  1.0,
		MaxBoost:           0,
		WindowDays:         0,
	}
}

func TestMergeScoresOrdering(t *testing.T) {
	lexical := []Candidate{
		{ChunkID: "c1", DocID: "d1", Ordinal: 0, Rank: 1},
		{ChunkID: "c2", DocID: "d1", Ordinal: 1, Rank: 2},
	}
	vector := []Candidate{
		{ChunkID: "c2", DocID: "d1", Ordinal: 1, Rank: 1},
	}
	out := MergeScores(lexical, vector, 1.0, 1.0, baseConfig(), nil)
	if len(out) != 2 {
		t.Fatalf("expected 2 scored chunks, got %d", len(out))
	}
	// c2 appears in both sources, c1 only in one; c2 must outrank it.
	if out[0].ChunkID != "c2" || out[1].ChunkID != "c1" {
		t.Fatalf("unexpected order: %v", out)
	}
	if out[0].Score <= out[1].Score {
		t.Fatalf("expected strictly descending scores, got %v then %v", out[0].Score, out[1].Score)
	}
}

func TestMergeScoresTieBreak(t *testing.T) {
	// Two chunks with identical ranks in the same single source score
	// identically; order must fall back to (doc_id, ordinal, chunk_id).
	lexical := []Candidate{
		{ChunkID: "zz", DocID: "db", Ordinal: 0, Rank: 1},
		{ChunkID: "aa", DocID: "da", Ordinal: 0, Rank: 1},
	}
	out := MergeScores(lexical, nil, 1.0, 1.0, baseConfig(), nil)
	if out[0].Score != out[1].Score {
		t.Fatalf("expected a tie, got %v and %v", out[0].Score, out[1].Score)
	}
	if out[0].DocID != "da" || out[1].DocID != "db" {
		t.Fatalf("tie not broken by doc_id asc: %v", out)
	}
}

func TestMergeScoresPriorClamped(t *testing.T) {
	lexical := []Candidate{{ChunkID: "c1", DocID: "d1", Rank: 1}}

	cfgHigh := baseConfig()
	cfgHigh.SourcePriorLexical = 5.0
	cfgCeil := baseConfig()
	cfgCeil.SourcePriorLexical = 1.15
	high := MergeScores(lexical, nil, 1.0, 1.0, cfgHigh, nil)
	ceil := MergeScores(lexical, nil, 1.0, 1.0, cfgCeil, nil)
	if high[0].Score != ceil[0].Score {
		t.Fatalf("prior above 1.15 not clamped: %v vs %v", high[0].Score, ceil[0].Score)
	}

	cfgLow := baseConfig()
	cfgLow.SourcePriorLexical = 0.1
	cfgFloor := baseConfig()
	cfgFloor.SourcePriorLexical = 0.90
	low := MergeScores(lexical, nil, 1.0, 1.0, cfgLow, nil)
	floor := MergeScores(lexical, nil, 1.0, 1.0, cfgFloor, nil)
	if low[0].Score != floor[0].Score {
		t.Fatalf("prior below 0.90 not clamped: %v vs %v", low[0].Score, floor[0].Score)
	}
}

func TestMergeScoresRecencyBoost(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxBoost = 0.5
	cfg.WindowDays = 10

	lexical := []Candidate{{ChunkID: "c1", DocID: "d1", Rank: 1}}

	fresh := MergeScores(lexical, nil, 1.0, 1.0, cfg, map[string]float64{"c1": 0})
	mid := MergeScores(lexical, nil, 1.0, 1.0, cfg, map[string]float64{"c1": 5})
	stale := MergeScores(lexical, nil, 1.0, 1.0, cfg, map[string]float64{"c1": 10})
	ancient := MergeScores(lexical, nil, 1.0, 1.0, cfg, map[string]float64{"c1": 100})

	if !(fresh[0].Score > mid[0].Score && mid[0].Score > stale[0].Score) {
		t.Fatalf("boost not decreasing with age: %v %v %v", fresh[0].Score, mid[0].Score, stale[0].Score)
	}
	if stale[0].Score != ancient[0].Score {
		t.Fatalf("boost should be zero at and past window_days: %v vs %v", stale[0].Score, ancient[0].Score)
	}

	noBoost := MergeScores(lexical, nil, 1.0, 1.0, baseConfig(), nil)
	if stale[0].Score != noBoost[0].Score {
		t.Fatalf("aged-out score should equal unboosted score: %v vs %v", stale[0].Score, noBoost[0].Score)
	}
}

func TestMergeScoresRoundedTo12Places(t *testing.T) {
	lexical := []Candidate{
		{ChunkID: "c1", DocID: "d1", Rank: 1},
		{ChunkID: "c2", DocID: "d1", Rank: 3},
	}
	vector := []Candidate{
		{ChunkID: "c1", DocID: "d1", Rank: 2},
	}
	out := MergeScores(lexical, vector, 0.7, 0.3, baseConfig(), nil)
	for _, sc := range out {
		scaled := sc.Score * 1e12
		if math.Abs(scaled-math.Round(scaled)) > 1e-3 {
			t.Fatalf("score %v is not rounded to 12 decimal places", sc.Score)
		}
	}
}
