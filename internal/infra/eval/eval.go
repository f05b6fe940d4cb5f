// Package eval validates persisted models against a held-out example
// set: one CSV row of metrics per model in the models table. With
// incremental mode on, scores roll forward from one model to the next
// instead of being recomputed from scratch, which is what makes
// validating a long training run affordable.
package eval

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harrier-ml/harrier/internal/domain"
	"github.com/harrier-ml/harrier/internal/infra/store"
)

var ErrEmptyTable = errors.New("eval: models table is empty")

// Options configures a validation sweep.
type Options struct {
	ModelsTable string // one snapshot path per line
	Performance string // CSV output path; empty skips the CSV
	Incremental bool
	ScoresOnly  bool
}

// Result is the metric row for one validated model.
type Result struct {
	Path         string
	ModelSize    int
	ErrorRate    float64
	AdaBoostLoss float64
}

// header is the performance CSV schema: one row per validated model.
var header = []string{"model", "timestamp", "size", "error_rate", "adaboost_loss"}

// Validate walks the models table and scores every model against the
// examples. Scores accumulate across models in incremental mode.
func Validate(opts Options, examples []domain.Example) ([]Result, error) {
	paths, err := readTable(opts.ModelsTable)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrEmptyTable
	}

	scores := make([]float64, len(examples))
	lastLen := 0
	var results []Result
	for _, path := range paths {
		snap, err := store.ReadSnapshot(path)
		if err != nil {
			return nil, fmt.Errorf("eval: %w", err)
		}
		model := &domain.Model{Nodes: snap.Nodes}
		if !opts.Incremental {
			for i := range scores {
				scores[i] = 0
			}
			lastLen = 0
		}
		if lastLen > model.Size() {
			return nil, fmt.Errorf("eval: %s is shorter than its predecessor (%d < %d)", path, model.Size(), lastLen)
		}
		scoreRange(model, examples, scores, lastLen)
		if opts.Incremental {
			lastLen = model.Size()
		}

		res := measure(path, model, examples, scores)
		results = append(results, res)
		if opts.ScoresOnly {
			if err := writeScores(path+"_scores", scores); err != nil {
				return nil, err
			}
		} else if opts.Performance != "" {
			row := []string{
				res.Path,
				time.Now().Format(time.RFC3339),
				strconv.Itoa(res.ModelSize),
				fmt.Sprintf("%.6f", res.ErrorRate),
				fmt.Sprintf("%.6f", res.AdaBoostLoss),
			}
			if err := store.AppendPerformance(opts.Performance, header, row); err != nil {
				return nil, err
			}
		}
		log.Printf("[eval] %s: size %d, error %.4f, loss %.4f",
			res.Path, res.ModelSize, res.ErrorRate, res.AdaBoostLoss)
	}
	return results, nil
}

// scoreRange advances every example's score by model nodes
// [from, size). The sweep shards across the example set.
func scoreRange(model *domain.Model, examples []domain.Example, scores []float64, from int) {
	shards := runtime.GOMAXPROCS(0)
	if shards > len(examples) {
		shards = 1
	}
	var g errgroup.Group
	chunk := (len(examples) + shards - 1) / shards
	for s := 0; s < shards; s++ {
		lo := s * chunk
		hi := lo + chunk
		if hi > len(examples) {
			hi = len(examples)
		}
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				scores[i] += model.PredictRange(&examples[i], from, model.Size())
			}
			return nil
		})
	}
	_ = g.Wait()
}

func measure(path string, model *domain.Model, examples []domain.Example, scores []float64) Result {
	wrong := 0
	loss := 0.0
	for i := range examples {
		margin := float64(examples[i].Label) * scores[i]
		if margin <= 0 {
			wrong++
		}
		loss += math.Exp(-margin)
	}
	n := float64(len(examples))
	return Result{
		Path:         path,
		ModelSize:    model.Size(),
		ErrorRate:    float64(wrong) / n,
		AdaBoostLoss: loss / n,
	}
}

func readTable(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, scanner.Err()
}

func writeScores(path string, scores []float64) error {
	var sb strings.Builder
	for _, s := range scores {
		fmt.Fprintf(&sb, "%g\n", s)
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
