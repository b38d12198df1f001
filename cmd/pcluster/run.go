package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	cluster "github.com/Andrej220/go-utils/pcluster"
	"github.com/Andrej220/go-utils/pcluster/worker"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
)

var errSimulated = errors.New("simulated callback failure")

type runConfig struct {
	opts           cluster.Options
	rate           float64
	tasks          int
	failRate       float64
	healthInterval time.Duration
}

// runConfigFromFlags overlays PCLUSTER_* variables on the flag defaults;
// flags given on the command line win.
func runConfigFromFlags(cmd *cobra.Command) (runConfig, error) {
	f := cmd.Flags()
	size, _ := f.GetInt("size")
	maxEntities, _ := f.GetInt("max-entities")
	maxRetries, _ := f.GetInt("max-retries")
	initialDelay, _ := f.GetDuration("initial-delay")
	maxDelay, _ := f.GetDuration("max-delay")
	jitter, _ := f.GetFloat64("jitter")
	fibIndex, _ := f.GetInt("fib")
	pin, _ := f.GetBool("pin")
	verbose, _ := f.GetBool("verbose")

	exe, err := os.Executable()
	if err != nil {
		return runConfig{}, fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"worker", "--fib", strconv.Itoa(fibIndex)}
	if verbose {
		args = append(args, "--verbose")
	}

	base := cluster.Options{
		Program:     cluster.Program{Path: exe, Args: args},
		Size:        size,
		MaxEntities: maxEntities,
		Retry: &cluster.RetryConfig{
			MaxRetryAttempts: maxRetries,
			InitialDelay:     initialDelay,
			MaxDelay:         maxDelay,
			JitterFactor:     jitter,
		},
		PinWorkers: pin,
	}
	opts, err := cluster.OptionsFromEnv(base)
	if err != nil {
		return runConfig{}, err
	}
	if f.Changed("size") {
		opts.Size = size
	}
	if f.Changed("max-entities") {
		opts.MaxEntities = maxEntities
	}
	if f.Changed("pin") {
		opts.PinWorkers = pin
	}
	rc := opts.RetryConfig()
	if f.Changed("max-retries") {
		rc.MaxRetryAttempts = maxRetries
	}
	if f.Changed("initial-delay") {
		rc.InitialDelay = initialDelay
	}
	if f.Changed("max-delay") {
		rc.MaxDelay = maxDelay
	}
	if f.Changed("jitter") {
		rc.JitterFactor = jitter
	}
	opts.Retry = &rc
	if verbose {
		opts.Stderr = os.Stderr
	}

	cfg := runConfig{opts: opts}
	cfg.rate, _ = f.GetFloat64("rate")
	cfg.tasks, _ = f.GetInt("tasks")
	cfg.failRate, _ = f.GetFloat64("fail-rate")
	cfg.healthInterval, _ = f.GetDuration("health-interval")
	if cfg.rate <= 0 {
		return runConfig{}, fmt.Errorf("rate must be positive, got %v", cfg.rate)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg runConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := &cluster.AtomicMetrics{}
	cfg.opts.Metrics = metrics

	var bar *progressbar.ProgressBar
	if cfg.tasks > 0 {
		bar = progressbar.NewOptions(cfg.tasks,
			progressbar.OptionSetDescription("Settling tasks"),
			progressbar.OptionSetWidth(50),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetWriter(os.Stderr),
		)
	}
	var settled atomic.Int64
	settle := func() {
		if bar != nil {
			_ = bar.Add(1)
		}
		if n := settled.Add(1); cfg.tasks > 0 && n >= int64(cfg.tasks) {
			cancel()
		}
	}

	cfg.opts.OnTaskError = func(err error) {
		if errors.Is(err, cluster.ErrRetriesExhausted) {
			red.Fprintf(os.Stderr, "gave up: %v\n", err)
			settle()
		}
	}
	cfg.opts.OnInternalError = func(err error) {
		yellow.Fprintf(os.Stderr, "internal: %v\n", err)
	}
	cfg.opts.OnRetry = func(key string, attempt int, delay time.Duration) {
		yellow.Fprintf(os.Stderr, "retry %s attempt %d in %s\n", shortKey(key), attempt, delay.Round(time.Millisecond))
	}

	failRate := cfg.failRate
	callback := func(ctx context.Context, pid int, env cluster.Envelope) error {
		if f, ok := worker.AsFailure(env); ok {
			return errors.New(f.Error)
		}
		var res result
		if err := env.Decode(&res); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		if rand.Float64() < failRate { // #nosec G404 -- simulation only
			return errSimulated
		}
		green.Printf("[%d] task %d: %d\n", pid, res.Seq, res.Value)
		settle()
		return nil
	}

	c, err := cluster.New(ctx, cfg.opts, callback)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := c.Shutdown(shutdownCtx); err != nil {
			red.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
		printHealth(c.Health(), metrics)
	}()

	bold.Printf("cluster started: %d workers\n", c.Alive())

	go feed(ctx, c, cfg.rate, cfg.tasks)

	ticker := time.NewTicker(cfg.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if bar != nil {
				_ = bar.Finish()
			}
			return nil
		case <-ticker.C:
			printHealth(c.Health(), metrics)
		}
	}
}

// feed sends random numbers at a steady rate until ctx is done or limit
// tasks were sent.
func feed(ctx context.Context, c cluster.Sender, perSecond float64, limit int) {
	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)
	for seq := 0; limit == 0 || seq < limit; seq++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		t := task{Seq: seq, N: rand.Intn(101)} // #nosec G404 -- demo input
		if _, err := c.Send(cluster.Payload{Value: t}); err != nil {
			red.Fprintf(os.Stderr, "send task %d: %v\n", seq, err)
		}
	}
}

func printHealth(h cluster.Health, m *cluster.AtomicMetrics) {
	labels := make([]string, 0, len(h.QueuesSize))
	for k := range h.QueuesSize {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	header := []any{"Workers", "Alive", "Uptime", "Sent", "Acked", "Retried", "Failed", "Respawned"}
	row := []any{
		strconv.Itoa(h.TotalWorkers),
		strconv.Itoa(h.AliveWorkers),
		h.Uptime.Round(time.Second).String(),
		strconv.FormatUint(m.Sent(), 10),
		strconv.FormatUint(m.Acked(), 10),
		strconv.FormatUint(m.Retried(), 10),
		strconv.FormatUint(m.Failed(), 10),
		strconv.FormatUint(m.Respawned(), 10),
	}
	for _, l := range labels {
		header = append(header, l)
		row = append(row, strconv.Itoa(h.QueuesSize[l]))
	}

	bold.Println("Cluster health")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header(header...)
	_ = table.Append(row...)
	_ = table.Render()
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
