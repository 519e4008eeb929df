// Command pipetune drives a surrogate-guided parameter search against an
// external evaluation pipeline described by a YAML search definition.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/pipetune"
	"github.com/thalesfsp/pipetune/config"
	"github.com/thalesfsp/pipetune/pipeline"
	"github.com/thalesfsp/pipetune/progress"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipetune",
		Short: "Surrogate-guided parameter search with trial integrity validation",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "pipetune.yaml", "search definition file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newBestCmd())

	return root
}

func newRunCmd() *cobra.Command {
	var (
		iterations int
		workers    int
		timeoutS   int
		warmup     int
		outputDir  string
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the search until the iteration budget is exhausted (resumes automatically)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			f, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			sp, err := f.Space()
			if err != nil {
				return err
			}

			cfg := pipetune.DefaultConfig()
			cfg.Rules = f.Rules()
			cfg.Logger = logger

			applyRunSettings(&cfg, f.Run)

			// Flags override the file.
			if cmd.Flags().Changed("iterations") {
				cfg.Iterations = iterations
			}

			if cmd.Flags().Changed("workers") {
				cfg.MaxWorkers = workers
			}

			if cmd.Flags().Changed("timeout") {
				cfg.TrialTimeout = time.Duration(timeoutS) * time.Second
			}

			if cmd.Flags().Changed("warmup") {
				cfg.WarmupCount = warmup
			}

			if cmd.Flags().Changed("output") {
				cfg.OutputDir = outputDir
			}

			if cmd.Flags().Changed("seed") {
				cfg.Seed = seed
			}

			eval := pipeline.NewEvaluator(pipeline.Command{
				Path: f.Pipeline.Command,
				Args: f.Pipeline.Args,
				Env:  f.Pipeline.Env,
			}, logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := pipetune.Run(ctx, sp, eval, cfg)
			if result != nil {
				printResult(cmd, result)
			}

			return err
		},
	}

	cmd.Flags().IntVar(&iterations, "iterations", 0, "trial budget")
	cmd.Flags().IntVar(&workers, "workers", 0, "max concurrent trials")
	cmd.Flags().IntVar(&timeoutS, "timeout", 0, "per-trial timeout in seconds")
	cmd.Flags().IntVar(&warmup, "warmup", 0, "random draws before model guidance")
	cmd.Flags().StringVar(&outputDir, "output", "", "output directory")
	cmd.Flags().Int64Var(&seed, "seed", 0, "proposal RNG seed (0 = time-based)")

	return cmd
}

func newBestCmd() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "best",
		Short: "Print the best valid result recorded in a progress store",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := progress.Open(storePath, newLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			tracker, err := progress.Replay(store)
			if err != nil {
				return err
			}

			best, ok := tracker.Best()
			if !ok {
				return fmt.Errorf("no valid trial recorded in %s", storePath)
			}

			data, err := json.MarshalIndent(best, "", "  ")
			if err != nil {
				return err
			}

			cmd.Println(string(data))

			return nil
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "pipetune-out/progress", "progress store path")

	return cmd
}

func applyRunSettings(cfg *pipetune.Config, run config.Run) {
	if run.Iterations > 0 {
		cfg.Iterations = run.Iterations
	}

	if run.Workers > 0 {
		cfg.MaxWorkers = run.Workers
	}

	if run.TimeoutS > 0 {
		cfg.TrialTimeout = time.Duration(run.TimeoutS) * time.Second
	}

	if run.Warmup > 0 {
		cfg.WarmupCount = run.Warmup
	}

	if run.OutputDir != "" {
		cfg.OutputDir = run.OutputDir
	}

	if run.Seed != 0 {
		cfg.Seed = run.Seed
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printResult(cmd *cobra.Command, result *pipetune.Result) {
	cmd.Printf("run %s finished after %d iterations\n", result.RunID, result.Iterations)

	if result.Best == nil {
		cmd.Println("no valid trial was recorded")

		return
	}

	cmd.Printf("best score %.4f at iteration %d: %s\n",
		result.Best.Score, result.Best.Iteration, result.Best.Params.String())
}
