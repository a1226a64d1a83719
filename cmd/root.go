// Package cmd wires the Cobra CLI for the serving binary: flag parsing,
// config loading, and dispatch into the scheduler/worker core. Grounded on
// the teacher's cmd/root.go (rootCmd + one subcommand, package-level flag
// vars bound in init(), logrus level parsed from a --log string flag), with
// "run a discrete-event simulation" replaced by "serve real traffic".
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "paged-llm",
	Short: "Continuous-batching inference core for a local LLM runner",
}

// Execute runs the CLI and maps failures onto spec.md §6's exit codes:
// 0 success, 1 fatal init error, 2 invalid configuration. Cobra's own flag
// parsing errors (unknown flag, bad type) surface here as code 2 since
// they are a configuration mistake, not a runtime failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if ec, ok := err.(exitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(2)
	}
}

// exitCoder lets a subcommand distinguish a fatal init error (1) from an
// invalid configuration (2) without cobra's default exit(1)-on-any-error.
type exitCoder interface {
	error
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

func fatalErr(err error) error         { return &exitError{code: 1, err: err} }
func invalidConfigErr(err error) error { return &exitError{code: 2, err: err} }

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(benchCmd)
}

func setupLogging() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}
