package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/shardatlas/atlas"
)

// workloadConfig is the YAML description of a synthetic workload.
type workloadConfig struct {
	Atlas struct {
		Capacity    int    `yaml:"capacity"`
		MemorySize  uint64 `yaml:"memory_size"`
		SwapSize    uint64 `yaml:"swap_size"`
		PageSize    uint64 `yaml:"page_size"`
		CopyWorkers int    `yaml:"copy_workers"`
		CopyGroup   int    `yaml:"copy_group"`
	} `yaml:"atlas"`

	Shards []struct {
		ID       uint32 `yaml:"id"`
		Pages    int    `yaml:"pages"`
		Priority uint8  `yaml:"priority"`
	} `yaml:"shards"`

	Workload struct {
		Goroutines int   `yaml:"goroutines"`
		Iterations int   `yaml:"iterations"`
		Seed       int64 `yaml:"seed"`
	} `yaml:"workload"`
}

// shardVaddr derives the virtual address of one page of a shard. Shard
// ID in the high half keeps shard address ranges disjoint.
func shardVaddr(id uint32, page int, pageSize uint64) uint64 {
	return uint64(id)<<32 | uint64(page)*pageSize
}

func newRunCmd() *cobra.Command {
	var (
		debug       bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run <workload.yaml>",
		Short: "Run a synthetic workload against an atlas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg workloadConfig
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			return runWorkload(cmd.Context(), cfg, debug, metricsAddr)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address while running")
	return cmd
}

func runWorkload(ctx context.Context, cfg workloadConfig, debug bool, metricsAddr string) error {
	log, err := buildLogger(debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := atlas.Init(atlas.Config{
		Capacity:      cfg.Atlas.Capacity,
		MemorySize:    cfg.Atlas.MemorySize,
		SwapSize:      cfg.Atlas.SwapSize,
		PageSize:      cfg.Atlas.PageSize,
		CopyWorkers:   cfg.Atlas.CopyWorkers,
		CopyGroupSize: cfg.Atlas.CopyGroup,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer a.Cleanup()

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := reg.Register(a.MetricsCollector()); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
		log.Info("serving metrics", zap.String("addr", metricsAddr))
	}

	// Map the shards: device pages first, overflow to the swap store.
	pageSize := a.PageSize()
	memPages := int(cfg.Atlas.MemorySize / pageSize)
	nextMem, nextSwap := 0, 0
	var shardIDs []uint32
	for _, sh := range cfg.Shards {
		pages := sh.Pages
		if pages <= 0 {
			pages = 1
		}
		shardIDs = append(shardIDs, sh.ID)
		for pg := 0; pg < pages; pg++ {
			var paddr uint64
			if nextMem < memPages {
				paddr = a.ResidentPageAddr(nextMem)
				nextMem++
			} else {
				paddr = a.SwapPageAddr(nextSwap)
				nextSwap++
			}
			if err := a.AddEntry(shardVaddr(sh.ID, pg, pageSize), paddr, sh.ID, sh.Priority); err != nil {
				return fmt.Errorf("mapping shard %d page %d: %w", sh.ID, pg, err)
			}
		}
	}
	log.Info("shards mapped",
		zap.Int("shards", len(shardIDs)),
		zap.Int("resident_pages", nextMem),
		zap.Int("swapped_pages", nextSwap))

	goroutines := cfg.Workload.Goroutines
	if goroutines <= 0 {
		goroutines = 4
	}
	iterations := cfg.Workload.Iterations
	if iterations <= 0 {
		iterations = 1000
	}

	var swaps, busyRetries atomic.Uint64
	start := time.Now()

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < iterations; i++ {
				if ctx.Err() != nil {
					return
				}
				id := shardIDs[rng.Intn(len(shardIDs))]
				view, err := a.Lookup(shardVaddr(id, 0, pageSize))
				if err != nil || view.State == atlas.StateResident {
					continue
				}
				switch err := a.AtomicSwap(ctx, []uint32{id}); {
				case err == nil:
					swaps.Add(1)
				case errors.Is(err, atlas.ErrBusy):
					// Another worker is already fetching this shard.
					busyRetries.Add(1)
				default:
					log.Warn("swap failed", zap.Uint32("shard", id), zap.Error(err))
				}
			}
		}(cfg.Workload.Seed + int64(g))
	}
	wg.Wait()

	s := a.Stats()
	log.Info("workload complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Uint64("swaps", swaps.Load()),
		zap.Uint64("busy_retries", busyRetries.Load()),
		zap.Int("resident_pages", s.ResidentPages),
		zap.Int("swapped_pages", s.SwappedPages),
		zap.Uint64("lookups", s.Lookups),
		zap.Float64("hit_ratio", s.HitRatio),
		zap.Uint64("fence_generation", s.Generation))
	return nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
