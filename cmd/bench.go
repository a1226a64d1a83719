package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/paged-llm/paged-llm/request"
)

var (
	benchConfigPath  string
	benchNumRequests int
	benchPromptLen   int
	benchMaxTokens   int
)

// benchCmd drives the core against the deterministic reference engine and
// reports scheduler stats at the end, the same "build it, run it, print
// metrics" shape as the teacher's run subcommand (cmd/root.go's runCmd),
// with a Poisson arrival generator replaced by a fixed synthetic burst since
// there is no discrete-event clock to drive here — this walks real
// goroutines against a wall clock.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Submit synthetic requests against the reference engine and report stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(); err != nil {
			return invalidConfigErr(fmt.Errorf("invalid log level %q: %w", logLevel, err))
		}

		cfg, err := loadConfig(benchConfigPath)
		if err != nil {
			return err
		}

		sched, w, err := buildCore(cfg)
		if err != nil {
			return fatalErr(err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})

		var wg sync.WaitGroup
		start := time.Now()
		for i := 0; i < benchNumRequests; i++ {
			wg.Add(1)
			req := syntheticRequest(fmt.Sprintf("bench-%d", i), benchPromptLen, benchMaxTokens, &wg)
			if err := sched.SubmitRequest(req); err != nil {
				wg.Done()
				logrus.WithError(err).Warn("submission rejected")
			}
		}
		wg.Wait()
		elapsed := time.Since(start)

		cancel()
		_ = g.Wait()

		stats := sched.Stats()
		logrus.WithFields(logrus.Fields{
			"elapsed":          elapsed,
			"completed":        stats.CompletedCount,
			"failed":           stats.FailedCount,
			"tokens_generated": stats.TokensGenerated,
			"ttft_p50":         stats.TTFTP50,
			"ttft_p99":         stats.TTFTP99,
			"tpot_p50":         stats.TPOTP50,
			"tpot_p99":         stats.TPOTP99,
		}).Info("bench complete")
		return nil
	},
}

func init() {
	benchCmd.Flags().StringVar(&benchConfigPath, "config", "", "Path to a scheduler config YAML file (defaults if unset)")
	benchCmd.Flags().IntVar(&benchNumRequests, "requests", 32, "Number of synthetic requests to submit")
	benchCmd.Flags().IntVar(&benchPromptLen, "prompt-len", 16, "Synthetic prompt length in tokens")
	benchCmd.Flags().IntVar(&benchMaxTokens, "max-tokens", 32, "max_tokens for each synthetic request")
}

// syntheticRequest builds a request whose prompt is bytes 0..promptLen-1
// (valid input for the reference engine's byte tokenizer) and whose sink
// marks wg done once the request reaches a terminal state.
func syntheticRequest(id string, promptLen, maxTokens int, wg *sync.WaitGroup) *request.Request {
	prompt := make([]int, promptLen)
	for i := range prompt {
		prompt[i] = i % 256
	}
	params := request.SamplingParams{
		Temperature:  0,
		TopP:         1,
		MaxTokens:    maxTokens,
		StopTokenIDs: map[int]struct{}{},
	}
	sink := request.TokenSinkFunc(func(tokenID int, finished bool, reason request.FinishReason) {
		if finished {
			wg.Done()
		}
	})
	return request.New(id, prompt, params, 0, sink)
}
