package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/patrickjm/shopwalk/internal/checkout"
	"github.com/patrickjm/shopwalk/internal/config"
	"github.com/patrickjm/shopwalk/internal/profile"
	"github.com/patrickjm/shopwalk/internal/sequence"
	"github.com/patrickjm/shopwalk/internal/telemetry"
)

type RunFlags struct {
	Query       string
	URL         string
	Brands      []string
	Identifier  string
	Engine      string
	SlowMo      string
	Deadline    string
	TraceFile   string
	MetricsFile string
	Hold        bool
}

type stepReport struct {
	Name    string            `json:"name"`
	Status  string            `json:"status"`
	Matched map[string]string `json:"matched,omitempty"`
	Note    string            `json:"note,omitempty"`
	Elapsed string            `json:"elapsed"`
	Error   string            `json:"error,omitempty"`
}

type selectionReport struct {
	Match  string `json:"match"`
	State  string `json:"state"`
	Target string `json:"target,omitempty"`
}

type failureReport struct {
	Step      string `json:"step"`
	Condition string `json:"condition,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Elapsed   string `json:"elapsed"`
}

type runReport struct {
	RunID     string           `json:"run_id"`
	Status    string           `json:"status"`
	Profile   string           `json:"profile"`
	Engine    string           `json:"engine"`
	Query     string           `json:"query"`
	Steps     []stepReport     `json:"steps"`
	Selection *selectionReport `json:"selection,omitempty"`
	Product   string           `json:"product_title,omitempty"`
	Boundary  string           `json:"boundary,omitempty"`
	Failure   *failureReport   `json:"failure,omitempty"`
	Elapsed   string           `json:"elapsed"`
}

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusNoProduct = "no-product"
)

func parseDeadline(value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("invalid deadline: must be positive")
	}
	return d, nil
}

func (a App) logger(flags GlobalFlags, runID string) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case flags.Verbose:
		level = slog.LevelDebug
	case flags.Quiet:
		level = slog.LevelWarn
	}
	return telemetry.NewLogger(a.Err, flags.JSON, level).With("run_id", runID)
}

func (a App) runFlow(parent context.Context, cfg config.Config, store profile.Store, flags GlobalFlags, run RunFlags) int {
	started := time.Now()
	runID := ulid.Make().String()

	overrides, err := overridesFromFlags(flags, run)
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitUsage
	}
	deadline, err := parseDeadline(run.Deadline)
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitUsage
	}
	opts := flowOptions(cfg, run)
	if opts.Identifier == "" {
		fmt.Fprintln(a.Err, "an account identifier is required: pass --identifier or set SHOPWALK_IDENTIFIER")
		return exitUsage
	}

	name := flags.Profile
	if name == "" {
		name = defaultProfile
	}
	// only flag overrides are saved with --save; config and env settings
	// apply to this run beneath them
	saved := profile.Overrides{}
	if flags.Save {
		saved = overrides
	}
	p, _, err := store.Upsert(name, saved)
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitFailure
	}
	cfg.ProfileOverrides().Merge(overrides).ApplyTo(&p)
	engine, err := a.engine(p.Engine)
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitUsage
	}

	log := a.logger(flags, runID).With("profile", p.Name)
	opts.Log = log

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	if run.TraceFile != "" {
		f, err := os.Create(run.TraceFile)
		if err != nil {
			fmt.Fprintln(a.Err, err)
			return exitFailure
		}
		defer f.Close()
		tp, err := telemetry.NewTracerProvider(f, runID)
		if err != nil {
			fmt.Fprintln(a.Err, err)
			return exitFailure
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Warn("trace export failed", "err", err)
			}
		}()
	}
	var metrics *telemetry.Metrics
	if run.MetricsFile != "" {
		metrics = telemetry.NewMetrics()
		opts.Metrics = metrics
	}

	log.Info("starting browser", "engine", p.Engine, "browser", p.Browser, "headless", p.Headless)
	session, err := engine.Start(ctx, store.StartOptions(p))
	if err != nil {
		fmt.Fprintf(a.Err, "start browser: %v\n", err)
		return exitFailure
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("close browser", "err", err)
		}
	}()
	page, err := session.NewPage(ctx)
	if err != nil {
		fmt.Fprintf(a.Err, "open page: %v\n", err)
		return exitFailure
	}

	outcome, runErr := checkout.New(opts).Run(ctx, page)

	if err := session.StorageState(store.StorageStatePath(p.Name)); err != nil {
		log.Warn("save storage state", "err", err)
	}

	report := buildReport(runID, p, opts.Query, outcome, runErr, time.Since(started))
	metrics.CountRun(report.Status)
	if metrics != nil {
		if err := metrics.WriteFile(run.MetricsFile); err != nil {
			log.Warn("write metrics", "err", err)
		}
	}
	if _, err := store.Record(p.Name, profile.RunNote{
		ID:       runID,
		Status:   report.Status,
		Product:  report.Product,
		Boundary: report.Boundary,
		At:       time.Now().UTC(),
	}); err != nil {
		log.Warn("record run on profile", "err", err)
	}

	a.printReport(flags, report)

	if run.Hold {
		a.hold(ctx)
	}
	return exitCodeFor(runErr)
}

func flowOptions(cfg config.Config, run RunFlags) checkout.Options {
	opts := checkout.Options{
		Site:       cfg.Site,
		Timeouts:   cfg.Timeouts,
		Query:      cfg.Query,
		Brands:     cfg.Brands,
		Identifier: cfg.Identifier,
	}
	if strings.TrimSpace(run.Query) != "" {
		opts.Query = run.Query
	}
	if run.URL != "" {
		opts.Site.StartURL = run.URL
	}
	if len(run.Brands) > 0 {
		opts.Brands = run.Brands
	}
	if run.Identifier != "" {
		opts.Identifier = run.Identifier
	}
	return opts
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, checkout.ErrNoProduct):
		return exitNoProduct
	default:
		return exitFailure
	}
}

func buildReport(runID string, p profile.Profile, query string, outcome checkout.Outcome, runErr error, elapsed time.Duration) runReport {
	report := runReport{
		RunID:    runID,
		Status:   statusSucceeded,
		Profile:  p.Name,
		Engine:   p.Engine,
		Query:    query,
		Product:  outcome.ProductTitle,
		Boundary: outcome.Boundary,
		Elapsed:  elapsed.Round(time.Millisecond).String(),
	}
	for _, s := range outcome.Report.Steps {
		sr := stepReport{
			Name:    s.Step,
			Status:  string(s.Status),
			Note:    s.Note,
			Elapsed: s.Elapsed.Round(time.Millisecond).String(),
		}
		if len(s.Matched) > 0 {
			sr.Matched = s.Matched
		}
		if s.Err != nil {
			sr.Error = s.Err.Error()
		}
		report.Steps = append(report.Steps, sr)
	}
	if _, ok := outcome.Report.Step("select"); ok {
		report.Selection = &selectionReport{
			Match:  outcome.Selection.Match.String(),
			State:  outcome.Selection.State.String(),
			Target: outcome.Selection.Target,
		}
	}
	if runErr == nil {
		return report
	}
	report.Status = statusFailed
	if errors.Is(runErr, checkout.ErrNoProduct) {
		report.Status = statusNoProduct
	}
	failure := &failureReport{Kind: "driver", Message: runErr.Error()}
	var stepErr *sequence.StepError
	if errors.As(runErr, &stepErr) {
		failure.Step = stepErr.Step
		failure.Condition = stepErr.Condition
		failure.Kind = stepErr.Kind()
		failure.Message = stepErr.Err.Error()
		failure.Elapsed = stepErr.Elapsed.Round(time.Millisecond).String()
	}
	report.Failure = failure
	return report
}

func (a App) printReport(flags GlobalFlags, report runReport) {
	if flags.JSON {
		b, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(a.Out, string(b))
		return
	}
	if report.Failure != nil {
		f := report.Failure
		if f.Condition != "" {
			fmt.Fprintf(a.Err, "run %s failed at step %s waiting for %q after %s (kind=%s): %s\n", report.RunID, f.Step, f.Condition, f.Elapsed, f.Kind, f.Message)
		} else {
			fmt.Fprintf(a.Err, "run %s failed at step %s after %s (kind=%s): %s\n", report.RunID, f.Step, f.Elapsed, f.Kind, f.Message)
		}
		return
	}
	if flags.Quiet {
		return
	}
	if report.Product != "" {
		fmt.Fprintf(a.Out, "product: %s\n", report.Product)
	}
	fmt.Fprintf(a.Out, "Automation complete: stopped at the %s prompt (run %s, %s)\n", report.Boundary, report.RunID, report.Elapsed)
}

// hold keeps the browser open until a line arrives on stdin or ctx ends.
func (a App) hold(ctx context.Context) {
	if a.In == nil {
		return
	}
	fmt.Fprintln(a.Err, "press Enter to close the browser")
	done := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(a.In).ReadString('\n')
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
