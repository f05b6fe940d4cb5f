package trainer

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/harrier-ml/harrier/internal/api"
	"github.com/harrier-ml/harrier/internal/domain"
	"github.com/harrier-ml/harrier/internal/infra/bins"
	"github.com/harrier-ml/harrier/internal/infra/booster"
	"github.com/harrier-ml/harrier/internal/infra/dataset"
	"github.com/harrier-ml/harrier/internal/infra/eval"
	"github.com/harrier-ml/harrier/internal/infra/gamma"
	"github.com/harrier-ml/harrier/internal/infra/learner"
	"github.com/harrier-ml/harrier/internal/infra/loader"
	"github.com/harrier-ml/harrier/internal/infra/modelsync"
	"github.com/harrier-ml/harrier/internal/infra/sampler"
	"github.com/harrier-ml/harrier/internal/infra/scheduler"
	"github.com/harrier-ml/harrier/internal/infra/store"
	"github.com/harrier-ml/harrier/internal/infra/transport"
)

// Train runs one training job: the head, the worker, or both,
// according to the config.
func Train(cfg Config) error {
	if cfg.ExpName == "" {
		cfg.ExpName = uuid.NewString()
	}
	log.Printf("[trainer] experiment %s", cfg.ExpName)

	pool, _, err := dataset.Load(cfg.Data.TrainingFile, cfg.Data.NumFeatures, cfg.Data.PositiveLabel)
	if err != nil {
		return fmt.Errorf("load training data: %w", err)
	}
	log.Printf("[trainer] loaded %d examples from %s", len(pool), cfg.Data.TrainingFile)

	// Sample pipeline: sampler → mailbox → loader, with START/STOP
	// signals and accepted models flowing back.
	mailbox := &loader.Mailbox{}
	signals := make(chan loader.Signal, 16)
	models := make(chan *domain.Model, 16)
	smp := sampler.New(pool, cfg.Buffer.Size, mailbox, signals, models, cfg.Boost.Loss, cfg.Buffer.SamplerSeed)
	ld := loader.New(cfg.Buffer.Size, cfg.Buffer.BatchSize, mailbox, signals,
		cfg.Buffer.BlockingSampling, cfg.Boost.Loss, cfg.Buffer.MinESS)

	samples := modelsync.NewSampleState()
	if cfg.Head {
		smp.OnPublish = samples.Publish
	}

	stopSampler := make(chan struct{})
	go smp.Run(cfg.Buffer.BlockingSampling, stopSampler)
	defer close(stopSampler)

	if err := ld.InitBlock(time.Duration(cfg.Buffer.InitBlockSecs) * time.Second); err != nil {
		return err
	}

	b, err := bins.Create(cfg.Boost.MaxSampleSize, cfg.Boost.MaxBinSize, 0, cfg.Data.NumFeatures, ld)
	if err != nil {
		return fmt.Errorf("build bins: %w", err)
	}

	st, err := store.Open(cfg.Models.Dir)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := store.SaveBins(filepath.Join(cfg.Models.Dir, "bins.json"), b); err != nil {
		return fmt.Errorf("write bins artifact: %w", err)
	}

	state := modelsync.NewState()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		log.Printf("[trainer] interrupt: shutting down")
		state.Stop()
	}()

	var wg sync.WaitGroup
	addr := cfg.Network.Addr

	if cfg.Head {
		headAddr, err := runHead(cfg, st, ld, samples, state, &wg)
		if err != nil {
			return err
		}
		addr = headAddr
	}

	if cfg.Worker {
		client, err := transport.Dial(addr, cfg.MachineID, cfg.MachineName)
		if err != nil {
			return err
		}
		defer client.Close()

		lr := learner.New(b, cfg.Boost.ConfidenceDelta, cfg.Boost.MaxTrialsBeforeShrink)
		worker := booster.New(booster.Config{
			MachineName: cfg.MachineName,
			MachineID:   cfg.MachineID,
			MinGamma:    cfg.Boost.MinGamma,
			Loss:        cfg.Boost.Loss,
		}, ld, lr, client, models)

		stopWorker := make(chan struct{})
		go func() {
			for state.Running() {
				time.Sleep(100 * time.Millisecond)
			}
			close(stopWorker)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(stopWorker)
			state.Stop()
		}()
	}

	wg.Wait()
	return nil
}

// runHead boots the head side: model bootstrap or resume, the packet
// hub, the sync loop, and the HTTP API. It returns the hub's bound
// address so a colocated worker can dial it.
func runHead(
	cfg Config,
	st *store.Store,
	ld *loader.Loader,
	samples *modelsync.SampleState,
	state *modelsync.State,
	wg *sync.WaitGroup,
) (string, error) {
	model, sig, err := st.DownloadModel()
	if err != nil {
		return "", err
	}
	gammaInit := cfg.Boost.DefaultGamma
	if model != nil {
		log.Printf("[trainer] resuming model %s (%d nodes)", sig, model.Size())
	} else {
		var gamma0 float64
		model, gamma0, err = booster.BootstrapRoot(cfg.Boost.MaxSampleSize, ld)
		if err != nil {
			return "", err
		}
		if gamma0 >= cfg.Boost.MinGamma {
			gammaInit = gamma0
		}
	}

	gc := gamma.New(gammaInit, cfg.Boost.MinGamma, cfg.Boost.ShrinkFactor,
		cfg.Boost.GammaWindow, cfg.Boost.GammaFailureRatio)
	sched := scheduler.New(scheduler.Config{
		MaxDepth:         cfg.Boost.MaxDepth,
		MaxChildren:      cfg.Boost.MaxChildren,
		MinGridSize:      cfg.Boost.MinGridSize,
		FailureThreshold: cfg.Boost.FailureThreshold,
	})

	hub, err := transport.Listen(cfg.Network.Addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", cfg.Network.Addr, err)
	}

	ms := modelsync.New(modelsync.Config{
		NumIterations:    cfg.Boost.NumIterations,
		MinESS:           cfg.Buffer.MinESS,
		ExpName:          cfg.ExpName,
		SnapshotInterval: cfg.Models.SnapshotInterval,
	}, model, gc, sched, hub, &tablePersister{Store: st, table: cfg.Models.Table}, state, samples)

	if cfg.Network.APIAddr != "" {
		srv := api.NewServer(func() api.Status {
			snap := ms.Status()
			return api.Status{
				Machine:       cfg.MachineName,
				Head:          true,
				ModelSize:     snap.ModelSize,
				ModelSig:      snap.ModelSig,
				Gamma:         snap.Gamma,
				RootGamma:     snap.RootGamma,
				SampleVersion: snap.SampleVersion,
				Accepted:      snap.Accepted,
				Assignments:   sched.Snapshot(),
			}
		})
		if cfg.Network.Metrics {
			srv.EnableMetrics()
		}
		go func() {
			if err := http.ListenAndServe(cfg.Network.APIAddr, srv.Handler()); err != nil {
				log.Printf("[trainer] api server: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ms.Run()
		hub.Close()
	}()
	return hub.Addr(), nil
}

// tablePersister appends every snapshot path to the models table so
// the test subcommand can walk the run afterwards.
type tablePersister struct {
	*store.Store
	table string
}

func (t *tablePersister) WriteSnapshot(model *domain.Model, iteration int, final bool) (string, error) {
	path, err := t.Store.WriteSnapshot(model, iteration, final)
	if err != nil {
		return path, err
	}
	if t.table != "" {
		f, ferr := os.OpenFile(t.table, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if ferr == nil {
			fmt.Fprintln(f, path)
			f.Close()
		}
	}
	return path, nil
}

// Test validates the models table against the testing set. The
// quantiser is rebuilt from the training file so both datasets share
// one code space.
func Test(cfg Config) error {
	raw, err := dataset.ReadCSV(cfg.Data.TrainingFile, cfg.Data.NumFeatures, cfg.Data.PositiveLabel)
	if err != nil {
		return fmt.Errorf("load training data for quantiser: %w", err)
	}
	q, err := dataset.NewQuantiser(raw, cfg.Data.NumFeatures)
	if err != nil {
		return err
	}
	testRaw, err := dataset.ReadCSV(cfg.Data.TestingFile, cfg.Data.NumFeatures, cfg.Data.PositiveLabel)
	if err != nil {
		return fmt.Errorf("load testing data: %w", err)
	}
	examples := q.ApplyAll(testRaw)

	results, err := eval.Validate(eval.Options{
		ModelsTable: cfg.Models.Table,
		Performance: filepath.Join(cfg.Models.Dir, "performance.csv"),
		Incremental: cfg.Models.Incremental,
		ScoresOnly:  cfg.Models.ScoresOnly,
	}, examples)
	if err != nil {
		return err
	}
	log.Printf("[trainer] validated %d models", len(results))
	return nil
}
