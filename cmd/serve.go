package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/paged-llm/paged-llm/arena"
	"github.com/paged-llm/paged-llm/config"
	"github.com/paged-llm/paged-llm/engine/reference"
	"github.com/paged-llm/paged-llm/pager"
	"github.com/paged-llm/paged-llm/scheduler"
	"github.com/paged-llm/paged-llm/worker"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler/worker core until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(); err != nil {
			return invalidConfigErr(fmt.Errorf("invalid log level %q: %w", logLevel, err))
		}

		cfg, err := loadConfig(serveConfigPath)
		if err != nil {
			return err
		}

		sched, w, err := buildCore(cfg)
		if err != nil {
			return fatalErr(err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logrus.WithFields(logrus.Fields{
			"total_kv_blocks":  cfg.TotalKVBlocks,
			"kv_block_size":    cfg.KVBlockSize,
			"max_batch_tokens": cfg.MaxBatchTokens,
			"max_batch_size":   cfg.MaxBatchSize,
		}).Info("serving")

		w.Run(ctx) // blocks until ctx is cancelled

		sched.Shutdown()
		w.Wait()
		logrus.Info("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to a scheduler config YAML file (defaults if unset)")
}

// loadConfig loads path if set, else config.Default(), tagging
// any failure as an invalid-configuration error (exit code 2).
func loadConfig(path string) (config.SchedulerConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, invalidConfigErr(err)
	}
	return cfg, nil
}

// buildCore wires the Arena, Pager, reference Engine, Scheduler, and Worker
// from cfg. A real transformer backend would replace reference.New here;
// everything above the Engine interface is backend-agnostic.
func buildCore(cfg config.SchedulerConfig) (*scheduler.Scheduler, *worker.Worker, error) {
	a := arena.New(arena.Config{
		NumBlocks: cfg.TotalKVBlocks,
		Geometry: arena.Geometry{
			NumLayers:       cfg.NumLayers,
			NumKVHeads:      cfg.NumKVHeads,
			HeadDim:         cfg.HeadDim,
			BlockSizeTokens: cfg.KVBlockSize,
			BytesPerElement: cfg.BytesPerElement,
		},
	})
	p := pager.New(a)
	eng := reference.New(p, cfg.EOSTokenID, 0)

	sched := scheduler.New(cfg, p)
	w := worker.New(sched, eng)
	return sched, w, nil
}
