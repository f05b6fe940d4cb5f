// Package bins builds the immutable per-feature histogram thresholds
// used by the weak learner. Feature codes are small integers, so the
// equi-frequency thresholds come from an exact 256-bucket count per
// feature rather than a quantile sketch.
package bins

import (
	"errors"
	"log"

	"github.com/harrier-ml/harrier/internal/domain"
)

var ErrNoExamples = errors.New("bins: no examples scanned")

// BatchSource supplies batches of scored examples. The buffer loader
// satisfies it.
type BatchSource interface {
	GetNextBatch(allowSwitch bool) []domain.ScoredExample
}

// Bins holds, for each feature in [From, From+len(Thresholds)), a
// sorted list of threshold values such that each bin carries roughly
// equal count across the scanned sample. Immutable after construction
// and shared read-only by all learners.
type Bins struct {
	From       int     `json:"from"`
	Thresholds [][]int `json:"thresholds"`
}

// NumFeatures returns the number of binned feature dimensions.
func (b *Bins) NumFeatures() int { return len(b.Thresholds) }

// Feature returns the thresholds for an absolute feature index.
func (b *Bins) Feature(idx int) []int { return b.Thresholds[idx-b.From] }

// Create scans batches from the source until maxSampleSize examples
// have been seen and computes at most maxBinSize equi-frequency
// thresholds for every feature in [from, to). Ties collapse, so a
// feature with few distinct codes gets fewer thresholds.
func Create(maxSampleSize, maxBinSize, from, to int, source BatchSource) (*Bins, error) {
	counts := make([][256]int, to-from)
	seen := 0
	for seen < maxSampleSize {
		batch := source.GetNextBatch(true)
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			features := batch[i].Example.Features
			for f := from; f < to; f++ {
				counts[f-from][features[f]]++
			}
		}
		seen += len(batch)
	}
	if seen == 0 {
		return nil, ErrNoExamples
	}

	thresholds := make([][]int, to-from)
	for f := range counts {
		thresholds[f] = cutPoints(&counts[f], seen, maxBinSize)
	}
	log.Printf("[bins] built thresholds for %d features from %d examples", to-from, seen)
	return &Bins{From: from, Thresholds: thresholds}, nil
}

// cutPoints walks the cumulative distribution of one feature and emits
// a threshold each time another 1/maxBins share of the mass has been
// covered. Duplicate values collapse into a single threshold.
func cutPoints(counts *[256]int, total, maxBins int) []int {
	if maxBins < 1 {
		maxBins = 1
	}
	var out []int
	cum := 0
	next := (total + maxBins - 1) / maxBins
	for v := 0; v < 256; v++ {
		if counts[v] == 0 {
			continue
		}
		cum += counts[v]
		if cum >= next {
			out = append(out, v)
			if len(out) == maxBins {
				break
			}
			next = cum + (total+maxBins-1)/maxBins
		}
	}
	return out
}
