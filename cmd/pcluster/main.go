package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Andrej220/go-utils/pcluster/worker"
	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pcluster",
		Short:        "Process cluster supervisor",
		Long:         "pcluster runs a pool of worker processes computing fibonacci tasks with acknowledgment and retries.",
		SilenceUsage: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor and feed it tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := runConfigFromFlags(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := lg.Discard
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logger = lg.NewDefault("pcluster")
			}
			defer func() { _ = logger.Sync() }()
			return run(lg.Attach(ctx, logger), cfg)
		},
	}
	runCmd.Flags().Int("size", 2, "number of worker processes")
	runCmd.Flags().Int("max-entities", 10, "pending messages that trigger capacity recovery")
	runCmd.Flags().Float64("rate", 1, "tasks sent per second")
	runCmd.Flags().Int("tasks", 0, "stop after this many tasks settle (0 runs until interrupted)")
	runCmd.Flags().Float64("fail-rate", 0.5, "probability that the callback rejects a result")
	runCmd.Flags().Duration("health-interval", 1500*time.Millisecond, "how often to print cluster health")
	runCmd.Flags().Int("max-retries", 3, "retry budget per task")
	runCmd.Flags().Duration("initial-delay", time.Second, "delay before the first retry")
	runCmd.Flags().Duration("max-delay", 30*time.Second, "cap of the exponential retry delay")
	runCmd.Flags().Float64("jitter", 0.1, "retry delay jitter factor in [0, 1]")
	runCmd.Flags().Int("fib", 30, "fibonacci index computed by workers for every task")
	runCmd.Flags().Bool("pin", false, "pin worker processes to CPUs (linux)")
	runCmd.Flags().Bool("verbose", false, "log supervisor and worker activity to stderr")
	rootCmd.AddCommand(runCmd)

	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve fibonacci tasks on stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fibIndex, _ := cmd.Flags().GetInt("fib")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			verbose, _ := cmd.Flags().GetBool("verbose")

			logger := lg.Discard
			if verbose {
				logger = lg.New(&lg.Config{
					ServiceName: "pcluster-worker",
					Debug:       true,
					Format:      lg.ZLoggerConsoleFormat,
				})
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			ctx = lg.Attach(ctx, logger)

			err := worker.Serve(ctx, fibHandler(fibIndex), worker.WithConcurrency(concurrency))
			var ee *worker.ExitError
			if errors.As(err, &ee) {
				_ = logger.Sync()
				os.Exit(ee.Code)
			}
			return err
		},
	}
	workerCmd.Flags().Int("fib", 30, "fibonacci index computed for every task")
	workerCmd.Flags().Int("concurrency", 1, "tasks handled at once")
	workerCmd.Flags().Bool("verbose", false, "log to stderr")
	rootCmd.AddCommand(workerCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
