package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jward/arbor"
	"github.com/jward/arbor/internal/config"
	"github.com/jward/arbor/internal/ctxlog"
	"github.com/jward/arbor/internal/interp"
	"github.com/jward/arbor/internal/lang"
	"github.com/jward/arbor/internal/tracestore"
	"github.com/jward/arbor/internal/tree"
)

var (
	flagConfig  string
	flagLate    bool
	flagWorkers int
	flagMetrics bool
	flagRepeat  int
)

var runCmd = &cobra.Command{
	Use:   "run <files...>",
	Short: "Execute source files under instrumentation",
	Long:  "Parses each file into one root per function, attaches the configured bindings and executes every root through the reference interpreter, recording the events to the trace database.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := runOptions{
			Files:      args,
			ConfigPath: flagConfig,
			DBPath:     flagDB,
			Late:       flagLate,
			Workers:    flagWorkers,
			Repeat:     flagRepeat,
		}
		sum, err := execute(cmd.Context(), opts)
		if sum != nil {
			if ferr := writeSummary(cmd.OutOrStdout(), flagFormat, sum); ferr != nil {
				return ferr
			}
			if flagMetrics {
				if merr := writeMetrics(cmd.OutOrStdout(), sum.metrics); merr != nil {
					return merr
				}
			}
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&flagConfig, "config", "", "HCL bindings file (default: trace every statement)")
	runCmd.Flags().BoolVar(&flagLate, "late", false, "attach bindings after a first uninstrumented execution")
	runCmd.Flags().IntVar(&flagWorkers, "workers", runtime.NumCPU(), "number of roots executed concurrently")
	runCmd.Flags().IntVar(&flagRepeat, "repeat", 1, "instrumented executions per root")
	runCmd.Flags().BoolVar(&flagMetrics, "metrics", false, "print engine metrics after the run")
}

type runOptions struct {
	Files      []string
	ConfigPath string
	DBPath     string
	Late       bool
	Workers    int
	Repeat     int
}

// runSummary describes a finished run.
type runSummary struct {
	Session  string         `json:"session"`
	Files    int            `json:"files"`
	Roots    int            `json:"roots"`
	Bindings int            `json:"bindings"`
	Failed   int            `json:"failed"`
	Counts   map[string]int `json:"counts"`
	Duration string         `json:"duration"`

	metrics prometheus.Gatherer
}

// execute runs opts and returns the summary. The summary is returned with
// the error when roots failed after the session was recorded.
func execute(ctx context.Context, opts runOptions) (*runSummary, error) {
	start := time.Now()
	logger := ctxlog.FromContext(ctx)

	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(ctx, opts.ConfigPath); err != nil {
			return nil, err
		}
	}

	files, err := parseFiles(ctx, opts.Files)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(opts.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	store, err := tracestore.NewStore(opts.DBPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	sess, err := store.CreateSession(sessionName(opts))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	engine := arbor.NewEngine(arbor.WithLogger(logger), arbor.WithRegistry(reg))
	defer engine.Close()
	client := engine.NewClient("arbor")
	rec := newRecorder(store, sess.ID)
	it := interp.New(engine, interp.WithFallback(evalText))

	var roots []*tree.Root
	for _, f := range files {
		roots = append(roots, f.Roots...)
	}

	var bindings []*arbor.Binding
	if !opts.Late {
		if bindings, err = rec.attach(ctx, client, cfg); err != nil {
			return nil, err
		}
	}
	for _, root := range roots {
		if err := engine.OnRootLoaded(root); err != nil {
			return nil, fmt.Errorf("loading %s: %w", root.Name(), err)
		}
	}
	if opts.Late {
		// Run once uninstrumented so bindings meet executed roots.
		if _, err := executeRoots(ctx, it, roots, opts.Workers, nil); err != nil {
			return nil, err
		}
		if bindings, err = rec.attach(ctx, client, cfg); err != nil {
			return nil, err
		}
	}

	var failed int
	var runErr error
	for range max(opts.Repeat, 1) {
		n, err := executeRoots(ctx, it, roots, opts.Workers, store)
		failed += n
		runErr = errors.Join(runErr, err)
	}

	if err := rec.flush(); err != nil {
		return nil, err
	}
	if err := store.EndSession(sess.ID); err != nil {
		return nil, err
	}
	counts, err := store.CountByKind(sess.ID)
	if err != nil {
		return nil, err
	}
	logger.Info("Run finished", "session", sess.ID, "roots", len(roots), "failed", failed)

	return &runSummary{
		Session:  sess.ID,
		Files:    len(files),
		Roots:    len(roots),
		Bindings: len(bindings),
		Failed:   failed,
		Counts:   counts,
		Duration: time.Since(start).Round(time.Millisecond).String(),
		metrics:  engine.Gatherer(),
	}, runErr
}

func sessionName(opts runOptions) string {
	if len(opts.Files) == 1 {
		return filepath.Base(opts.Files[0])
	}
	return fmt.Sprintf("%d files", len(opts.Files))
}

// parseFiles parses paths. Files parsed before a failure are returned so
// the caller can close them.
func parseFiles(ctx context.Context, paths []string) ([]*lang.File, error) {
	var files []*lang.File
	for _, p := range paths {
		f, err := lang.ParseFile(ctx, p)
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}

// executeRoots calls every root once using up to workers goroutines. With a
// store, each call records its execution events into its own batch that is
// committed when the call returns. Root failures are logged and counted;
// the returned error summarizes them.
func executeRoots(ctx context.Context, it *interp.Interpreter, roots []*tree.Root, workers int, store *tracestore.Store) (int, error) {
	logger := ctxlog.FromContext(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	errs := make([]error, len(roots))
	for i, root := range roots {
		g.Go(func() error {
			callCtx := gctx
			var batch *tracestore.BatchedStore
			if store != nil {
				batch = tracestore.NewBatchedStore(store)
				callCtx = withBatch(gctx, batch)
			}
			if _, err := it.Call(callCtx, root); err != nil {
				logger.Warn("Root failed", "root", root.Name(), "err", err)
				errs[i] = fmt.Errorf("%s: %w", root.Name(), err)
			}
			if batch != nil {
				// Trace write failures abort the run.
				if err := batch.Commit(); err != nil {
					return fmt.Errorf("recording %s: %w", root.Name(), err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return len(failed), fmt.Errorf("execution had %d error(s): %w", len(failed), errors.Join(failed...))
	}
	return 0, nil
}

// evalText evaluates the children of n and yields n's source text.
func evalText(it *interp.Interpreter, f *interp.Frame, n *tree.Node) (any, error) {
	if _, err := it.ExecChildren(f, n); err != nil {
		return nil, err
	}
	if sec := n.Section(); sec != nil {
		return sec.Text(), nil
	}
	return nil, nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
