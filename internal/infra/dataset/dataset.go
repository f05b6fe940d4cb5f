// Package dataset reads training examples from CSV and quantises raw
// feature values to the small integer codes the trainer works with.
// One row per example: the label in the first column, then one column
// per feature. Rich storage formats belong to the external stratified
// store; this package covers what a single machine needs.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/harrier-ml/harrier/internal/domain"
)

var ErrNoRows = errors.New("dataset: no rows")

// maxCodes is the number of distinct feature codes available; feature
// values are quantised into at most this many buckets.
const maxCodes = 256

// RawExample is one parsed CSV row before quantisation.
type RawExample struct {
	Features []float64
	Label    domain.Label
}

// ReadCSV parses a dataset file. Rows whose label equals positive are
// labelled +1, everything else -1. A row with the wrong number of
// feature columns is an error: silently mangled training data is worse
// than a failed load.
func ReadCSV(path string, numFeatures int, positive string) ([]RawExample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = numFeatures + 1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	out := make([]RawExample, 0, len(rows))
	for i, row := range rows {
		label := domain.Label(-1)
		if row[0] == positive {
			label = 1
		}
		features := make([]float64, numFeatures)
		for j := 0; j < numFeatures; j++ {
			v, err := strconv.ParseFloat(row[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("row %d feature %d: %w", i+1, j, err)
			}
			features[j] = v
		}
		out = append(out, RawExample{Features: features, Label: label})
	}
	return out, nil
}

// Quantiser maps raw feature values onto integer codes via per-feature
// percentile cut points. Built once from the training set and reused
// for validation data so both land in the same code space.
type Quantiser struct {
	cuts [][]float64 // [feature][code boundary]
}

// NewQuantiser computes cut points from a sample of raw examples.
func NewQuantiser(sample []RawExample, numFeatures int) (*Quantiser, error) {
	if len(sample) == 0 {
		return nil, ErrNoRows
	}
	q := &Quantiser{cuts: make([][]float64, numFeatures)}
	values := make([]float64, len(sample))
	for f := 0; f < numFeatures; f++ {
		for i := range sample {
			values[i] = sample[i].Features[f]
		}
		sort.Float64s(values)
		q.cuts[f] = cutPoints(values)
	}
	return q, nil
}

// cutPoints picks up to maxCodes-1 boundaries at equal percentile
// steps, collapsing duplicates.
func cutPoints(sorted []float64) []float64 {
	var cuts []float64
	for c := 1; c < maxCodes; c++ {
		idx := c * len(sorted) / maxCodes
		if idx >= len(sorted) {
			break
		}
		v := sorted[idx]
		if len(cuts) == 0 || v > cuts[len(cuts)-1] {
			cuts = append(cuts, v)
		}
	}
	return cuts
}

// Apply quantises one raw example.
func (q *Quantiser) Apply(raw RawExample) domain.Example {
	features := make([]uint8, len(q.cuts))
	for f := range q.cuts {
		features[f] = uint8(sort.SearchFloat64s(q.cuts[f], raw.Features[f]))
	}
	return domain.Example{Features: features, Label: raw.Label}
}

// ApplyAll quantises a whole set.
func (q *Quantiser) ApplyAll(raw []RawExample) []domain.Example {
	out := make([]domain.Example, len(raw))
	for i := range raw {
		out[i] = q.Apply(raw[i])
	}
	return out
}

// Load reads and quantises a dataset in one step, returning the
// quantiser so further files can share the code space.
func Load(path string, numFeatures int, positive string) ([]domain.Example, *Quantiser, error) {
	raw, err := ReadCSV(path, numFeatures, positive)
	if err != nil {
		return nil, nil, err
	}
	q, err := NewQuantiser(raw, numFeatures)
	if err != nil {
		return nil, nil, err
	}
	return q.ApplyAll(raw), q, nil
}
