// Package checkout composes the storefront flow: home page, overlays, search,
// product selection, buy-now, identifier entry, and the stop at the
// authentication boundary.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/patrickjm/shopwalk/internal/browser"
	"github.com/patrickjm/shopwalk/internal/overlay"
	"github.com/patrickjm/shopwalk/internal/results"
	"github.com/patrickjm/shopwalk/internal/sequence"
	"github.com/patrickjm/shopwalk/internal/telemetry"
	"github.com/patrickjm/shopwalk/internal/wait"
)

// ErrNoProduct means the search returned nothing to select.
var ErrNoProduct = errors.New("no product found")

const (
	CondHomeLoaded     = "home page loaded"
	CondSearchBox      = "search box ready"
	CondResults        = "search results rendered"
	CondProductLoaded  = "product document loaded"
	CondProductTitle   = "product title rendered"
	CondIdentifier     = "sign-in identifier prompt"
	CondBoundary       = "password or verification prompt"
	NoteEntryMissing   = "entry point unavailable"
	BranchPassword     = "password"
	BranchVerification = "verification-code"
)

type Options struct {
	Site       Site
	Timeouts   Timeouts
	Query      string
	Brands     []string
	Identifier string
	Log        *slog.Logger
	Metrics    *telemetry.Metrics
}

// Outcome is what a run learned beyond the per-step report.
type Outcome struct {
	Report       sequence.Report
	Selection    results.Selection
	Overlays     []overlay.Result
	ProductTitle string
	BuyClicked   bool
	// Boundary is BranchPassword or BranchVerification once the flow reached
	// the authentication boundary.
	Boundary string
}

type Flow struct {
	opts    Options
	waiter  wait.Waiter
	outcome Outcome
}

func New(opts Options) *Flow {
	return &Flow{opts: opts}
}

// Run drives page through the plan. On failure the returned outcome still
// holds what was learned before the failing step.
func (f *Flow) Run(ctx context.Context, page browser.Page) (Outcome, error) {
	f.outcome = Outcome{}
	seq := &sequence.Sequencer{
		Steps:   f.Plan(),
		Waiter:  f.waiter,
		Log:     f.opts.Log,
		Metrics: f.opts.Metrics,
	}
	report, err := seq.Run(ctx, page)
	f.outcome.Report = report
	return f.outcome, err
}

// Plan returns the fixed step list. Actions record into the flow's outcome.
func (f *Flow) Plan() []sequence.Step {
	site := f.opts.Site
	t := f.opts.Timeouts
	return []sequence.Step{
		{
			Name:   "navigate",
			Action: f.navigate,
			Post:   []sequence.Gate{{Cond: wait.Selector(CondHomeLoaded, site.HomeReady), Timeout: t.Page}},
		},
		{
			Name:   "overlays",
			Action: f.dismissOverlays,
			Policy: sequence.BestEffort,
		},
		{
			Name:   "search",
			Ready:  []sequence.Gate{{Cond: wait.Selector(CondSearchBox, site.SearchBox), Timeout: t.Page}},
			Action: f.search,
			Post:   []sequence.Gate{{Cond: wait.Selector(CondResults, site.ResultContainer), Timeout: t.Results}},
		},
		{
			Name:   "select",
			Action: f.selectResult,
		},
		{
			Name: "product",
			Ready: []sequence.Gate{
				{Cond: wait.Load(CondProductLoaded, browser.LoadStateDOMContentLoaded), Timeout: t.ProductLoad},
				{Cond: wait.Selector(CondProductTitle, site.ProductTitle), Timeout: t.Product},
			},
			Action: f.readTitle,
		},
		{
			Name:   "buy",
			Action: f.buyNow,
			Policy: sequence.BestEffort,
		},
		{
			Name:   "identifier",
			Ready:  []sequence.Gate{{Cond: wait.AnyOf(CondIdentifier, site.Identifier...), Timeout: t.SignIn}},
			Action: f.enterIdentifier,
		},
		{
			Name:   "boundary",
			Ready:  []sequence.Gate{{Cond: wait.AnyOf(CondBoundary, site.Password, site.Verification), Timeout: t.Boundary}},
			Action: f.boundary,
		},
	}
}

func (f *Flow) navigate(ctx context.Context, in sequence.Input) (sequence.Output, error) {
	if err := in.Page.Goto(ctx, f.opts.Site.StartURL); err != nil {
		return sequence.Output{}, fmt.Errorf("open %s: %w", f.opts.Site.StartURL, err)
	}
	return sequence.Output{Note: f.opts.Site.StartURL}, nil
}

func (f *Flow) dismissOverlays(ctx context.Context, in sequence.Input) (sequence.Output, error) {
	d := &overlay.Dismisser{
		Rules:       f.opts.Site.OverlayRules(),
		Settle:      f.opts.Timeouts.Settle,
		IdleQuiet:   f.opts.Timeouts.IdleQuiet,
		IdleTimeout: f.opts.Timeouts.OverlayIdle,
		Waiter:      f.waiter,
		Log:         f.opts.Log,
		Metrics:     f.opts.Metrics,
	}
	res := d.Dismiss(ctx, in.Page)
	f.outcome.Overlays = res
	if err := ctx.Err(); err != nil {
		return sequence.Output{}, err
	}
	var dismissed []string
	for _, r := range res {
		if r.Dismissed {
			dismissed = append(dismissed, r.Rule)
		}
	}
	if len(dismissed) == 0 {
		return sequence.Output{Note: "none present"}, nil
	}
	return sequence.Output{Note: "dismissed " + strings.Join(dismissed, ", ")}, nil
}

func (f *Flow) search(ctx context.Context, in sequence.Input) (sequence.Output, error) {
	box := f.opts.Site.SearchBox
	if err := in.Page.Fill(ctx, box, f.opts.Query); err != nil {
		return sequence.Output{}, err
	}
	if err := in.Page.Press(ctx, box, "Enter"); err != nil {
		return sequence.Output{}, err
	}
	return sequence.Output{Note: fmt.Sprintf("query %q", f.opts.Query)}, nil
}

func (f *Flow) selectResult(ctx context.Context, in sequence.Input) (sequence.Output, error) {
	s := &results.Selector{
		Container:    f.opts.Site.ResultContainer,
		Links:        f.opts.Site.ResultLinks,
		Brands:       f.opts.Brands,
		Timeout:      f.opts.Timeouts.NewTab,
		ReadyTimeout: f.opts.Timeouts.ProductLoad,
		Waiter:       f.waiter,
		Log:          f.opts.Log,
		Metrics:      f.opts.Metrics,
	}
	sel := s.Select(ctx, in.Page)
	f.outcome.Selection = sel
	if sel.State == results.StateNoCandidate {
		return sequence.Output{}, ErrNoProduct
	}
	if err := ctx.Err(); err != nil {
		return sequence.Output{}, err
	}
	return sequence.Output{Page: sel.Page, Note: fmt.Sprintf("%s match, %s", sel.Match, sel.State)}, nil
}

func (f *Flow) readTitle(ctx context.Context, in sequence.Input) (sequence.Output, error) {
	el, err := in.Page.Query(ctx, f.opts.Site.ProductTitle)
	if err != nil {
		return sequence.Output{}, err
	}
	if el == nil {
		return sequence.Output{}, fmt.Errorf("product title %s vanished", f.opts.Site.ProductTitle)
	}
	title, err := el.Text(ctx)
	if err != nil {
		return sequence.Output{}, err
	}
	title = strings.TrimSpace(title)
	f.outcome.ProductTitle = title
	return sequence.Output{Note: title}, nil
}

func (f *Flow) buyNow(ctx context.Context, in sequence.Input) (sequence.Output, error) {
	el, err := in.Page.Query(ctx, f.opts.Site.BuyNow)
	if err != nil {
		return sequence.Output{}, err
	}
	if el == nil {
		return sequence.Output{Note: NoteEntryMissing}, nil
	}
	if err := el.Click(ctx); err != nil {
		return sequence.Output{}, err
	}
	f.outcome.BuyClicked = true
	return sequence.Output{Note: "buy now clicked"}, nil
}

func (f *Flow) enterIdentifier(ctx context.Context, in sequence.Input) (sequence.Output, error) {
	field := in.Matched[CondIdentifier]
	if field == "" {
		return sequence.Output{}, errors.New("identifier prompt disappeared")
	}
	if err := in.Page.Fill(ctx, field, f.opts.Identifier); err != nil {
		return sequence.Output{}, err
	}
	if err := in.Page.Press(ctx, field, "Enter"); err != nil {
		return sequence.Output{}, err
	}
	return sequence.Output{Note: "identifier submitted via " + field}, nil
}

func (f *Flow) boundary(ctx context.Context, in sequence.Input) (sequence.Output, error) {
	branch := f.BranchFor(in.Matched[CondBoundary])
	f.outcome.Boundary = branch
	return sequence.Output{Note: "stopped at " + branch + " prompt"}, nil
}

// BranchFor names the authentication branch a matched selector belongs to.
func (f *Flow) BranchFor(selector string) string {
	switch selector {
	case f.opts.Site.Password:
		return BranchPassword
	case f.opts.Site.Verification:
		return BranchVerification
	default:
		return "unknown"
	}
}
