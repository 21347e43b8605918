// Package overlay clears transient prompts that cover a storefront page,
// such as language and delivery-location pickers.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickjm/shopwalk/internal/browser"
	"github.com/patrickjm/shopwalk/internal/telemetry"
	"github.com/patrickjm/shopwalk/internal/wait"
)

// Rule describes one overlay: the element whose presence means it is showing,
// and the elements to click, in order, to make it go away. When Idle is set
// the page is given time to finish the requests the dismissal starts.
type Rule struct {
	Name   string
	Detect string
	Click  []string
	Idle   bool
}

// Result reports one rule. Present without Dismissed and without Err means
// the overlay showed but one of its controls was missing, so it was skipped.
type Result struct {
	Rule      string
	Present   bool
	Dismissed bool
	Missing   string
	Err       error
}

type Dismisser struct {
	Rules       []Rule
	Settle      time.Duration
	IdleQuiet   time.Duration
	IdleTimeout time.Duration
	Waiter      wait.Waiter
	Log         *slog.Logger
	Metrics     *telemetry.Metrics
}

// Dismiss applies every rule in order. A failing rule is logged and does not
// stop the ones after it. Only cancellation of ctx ends the pass early.
func (d *Dismisser) Dismiss(ctx context.Context, page browser.Page) []Result {
	log := telemetry.OrDiscard(d.Log)
	results := make([]Result, 0, len(d.Rules))
	for _, rule := range d.Rules {
		if ctx.Err() != nil {
			break
		}
		res := d.apply(ctx, page, rule)
		switch {
		case res.Err != nil:
			log.Warn("overlay dismissal failed", "overlay", rule.Name, "err", res.Err)
			d.Metrics.CountOverlay(rule.Name, "failed")
		case !res.Present:
			log.Debug("overlay not present", "overlay", rule.Name)
			d.Metrics.CountOverlay(rule.Name, "absent")
		case !res.Dismissed:
			log.Debug("dismiss control absent", "overlay", rule.Name, "selector", res.Missing)
			d.Metrics.CountOverlay(rule.Name, "skipped")
		default:
			log.Info("overlay dismissed", "overlay", rule.Name)
			d.Metrics.CountOverlay(rule.Name, "dismissed")
		}
		results = append(results, res)
	}
	return results
}

func (d *Dismisser) apply(ctx context.Context, page browser.Page, rule Rule) Result {
	res := Result{Rule: rule.Name}
	el, err := page.Query(ctx, rule.Detect)
	if err != nil {
		res.Err = fmt.Errorf("detect %s: %w", rule.Detect, err)
		return res
	}
	if el == nil {
		return res
	}
	res.Present = true

	for i, sel := range rule.Click {
		target := el
		if i > 0 || sel != rule.Detect {
			target, err = page.Query(ctx, sel)
			if err != nil {
				res.Err = fmt.Errorf("find %s: %w", sel, err)
				return res
			}
			if target == nil {
				res.Missing = sel
				return res
			}
		}
		if err := target.Click(ctx); err != nil {
			res.Err = fmt.Errorf("click %s: %w", sel, err)
			return res
		}
		if err := wait.Settle(ctx, d.Settle); err != nil {
			res.Err = err
			return res
		}
	}

	if rule.Idle {
		cond := wait.NetworkIdle(rule.Name+" dismissal settled", d.IdleQuiet)
		if _, err := d.Waiter.Await(ctx, page, cond, d.IdleTimeout); err != nil {
			res.Err = err
			return res
		}
	}
	res.Dismissed = true
	return res
}
