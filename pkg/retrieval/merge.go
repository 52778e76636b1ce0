// Copyright 2025 Knowledgecore Project
//
// Package retrieval implements the deterministic lexical/vector score
// merge used by query callers. Retrieval itself is read-only and
// nothing here touches the database; scores are floats by nature
// (never hashed, only sorted), so the fixed rounding and tie-break
// order are what keep two identical queries byte-identical.
package retrieval

import "sort"

// Candidate is one chunk's rank from a single retrieval source.
// Rank is 1-based; a chunk absent from a source has no Candidate.
type Candidate struct {
	ChunkID string
	DocID   string
	Ordinal int
	Rank    int // 1-based
}

// Config parameterizes MergeScores. K is the reciprocal-rank-fusion
// smoothing constant; SourcePriorLexical/SourcePriorVector are clamped
// to [0.90, 1.15]; MaxBoost and WindowDays parameterize the recency
// term.
type Config struct {
	K                 float64
	SourcePriorLexical float64
	SourcePriorVector  float64
	MaxBoost          float64
	WindowDays        float64
}

// ScoredChunk is one chunk's final merged score.
type ScoredChunk struct {
	ChunkID string
	DocID   string
	Ordinal int
	Score   float64
}

// clampPrior bounds a per-source prior to [0.90, 1.15].
func clampPrior(p float64) float64 {
	if p < 0.90 {
		return 0.90
	}
	if p > 1.15 {
		return 1.15
	}
	return p
}

// recencyBoost computes recency_boost for an item whose age in days is
// ageDays, linearly decreasing from maxBoost at age 0 to 0 at
// age >= windowDays.
func recencyBoost(ageDays, maxBoost, windowDays float64) float64 {
	if windowDays <= 0 || maxBoost <= 0 {
		return 0
	}
	if ageDays <= 0 {
		return maxBoost
	}
	if ageDays >= windowDays {
		return 0
	}
	return maxBoost * (1 - ageDays/windowDays)
}

// roundTo12 rounds v to 12 decimal places.
func roundTo12(v float64) float64 {
	const scale = 1e12
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return float64(int64(v*scale-0.5)) / scale
}

// MergeScores implements score(c) = w_lex/(k+r_lex) + w_vec/(k+r_vec),
// multiplied by a clamped per-source prior and by (1 + recency_boost),
// then rounded to 12 decimal places. ageDaysByChunk supplies each
// chunk's age in days (chunks absent from the map are treated as
// age 0 — no recency penalty).
func MergeScores(
	lexical, vector []Candidate,
	weightLexical, weightVector float64,
	cfg Config,
	ageDaysByChunk map[string]float64,
) []ScoredChunk {
	type accum struct {
		docID, chunkID string
		ordinal        int
		rawScore       float64
	}
	byChunk := make(map[string]*accum)

	order := func(chunkID, docID string, ordinal int) *accum {
		a, ok := byChunk[chunkID]
		if !ok {
			a = &accum{docID: docID, chunkID: chunkID, ordinal: ordinal}
			byChunk[chunkID] = a
		}
		return a
	}

	prior := clampPrior(cfg.SourcePriorLexical)
	for _, c := range lexical {
		a := order(c.ChunkID, c.DocID, c.Ordinal)
		a.rawScore += prior * (weightLexical / (cfg.K + float64(c.Rank)))
	}

	prior = clampPrior(cfg.SourcePriorVector)
	for _, c := range vector {
		a := order(c.ChunkID, c.DocID, c.Ordinal)
		a.rawScore += prior * (weightVector / (cfg.K + float64(c.Rank)))
	}

	out := make([]ScoredChunk, 0, len(byChunk))
	for _, a := range byChunk {
		age := ageDaysByChunk[a.chunkID]
		boost := recencyBoost(age, cfg.MaxBoost, cfg.WindowDays)
		score := roundTo12(a.rawScore * (1 + boost))
		out = append(out, ScoredChunk{ChunkID: a.chunkID, DocID: a.docID, Ordinal: a.ordinal, Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DocID != out[j].DocID {
			return out[i].DocID < out[j].DocID
		}
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}
