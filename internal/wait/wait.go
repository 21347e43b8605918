// Package wait gates a flow on page readiness: element presence, one of
// several alternative elements, document load state, or network quiet.
package wait

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickjm/shopwalk/internal/browser"
)

type Kind int

const (
	KindSelector Kind = iota
	KindAnyOf
	KindLoad
	KindNetworkIdle
)

func (k Kind) String() string {
	switch k {
	case KindSelector:
		return "selector"
	case KindAnyOf:
		return "any-of"
	case KindLoad:
		return "load-state"
	case KindNetworkIdle:
		return "network-idle"
	default:
		return "unknown"
	}
}

// Condition is a predicate over page state. Name is the human description
// used in diagnostics ("search results rendered").
type Condition struct {
	Name      string
	Kind      Kind
	Selectors []string
	State     browser.LoadState
	Quiet     time.Duration
}

func Selector(name, selector string) Condition {
	return Condition{Name: name, Kind: KindSelector, Selectors: []string{selector}}
}

// AnyOf is satisfied by the first listed selector present on the page.
func AnyOf(name string, selectors ...string) Condition {
	return Condition{Name: name, Kind: KindAnyOf, Selectors: selectors}
}

func Load(name string, state browser.LoadState) Condition {
	return Condition{Name: name, Kind: KindLoad, State: state}
}

func NetworkIdle(name string, quiet time.Duration) Condition {
	return Condition{Name: name, Kind: KindNetworkIdle, Quiet: quiet}
}

func (c Condition) String() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Detail()
}

// Detail describes what the condition checks, independent of its name.
func (c Condition) Detail() string {
	switch c.Kind {
	case KindSelector:
		return "element " + strings.Join(c.Selectors, "")
	case KindAnyOf:
		return "any of " + strings.Join(c.Selectors, " | ")
	case KindLoad:
		return "load state " + string(c.State)
	case KindNetworkIdle:
		return fmt.Sprintf("network idle for %s", c.Quiet)
	default:
		return "unknown condition"
	}
}

// Match reports how a condition was satisfied. Selector is set for selector
// conditions and names the alternative that matched for AnyOf.
type Match struct {
	Selector string
	Elapsed  time.Duration
}

type TimeoutError struct {
	Condition string
	Elapsed   time.Duration
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("condition %q not met after %s", e.Condition, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

type Waiter struct {
	now func() time.Time
}

func (w Waiter) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

// Await blocks until cond holds on page, timeout elapses, or ctx ends.
// Driver timeouts become *TimeoutError; cancellation returns ctx's error.
func (w Waiter) Await(ctx context.Context, page browser.Page, cond Condition, timeout time.Duration) (Match, error) {
	start := w.clock()
	if err := ctx.Err(); err != nil {
		return Match{}, fmt.Errorf("await %s: %w", cond, err)
	}
	budget := browser.Budget(ctx, timeout)
	if budget <= 0 {
		return Match{}, &TimeoutError{Condition: cond.String(), Elapsed: 0, Err: browser.ErrTimeout}
	}

	matched, err := w.check(ctx, page, cond, budget)
	elapsed := w.clock().Sub(start)
	if err == nil {
		return Match{Selector: matched, Elapsed: elapsed}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return Match{}, fmt.Errorf("await %s: %w", cond, ctxErr)
	}
	if errors.Is(err, browser.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return Match{}, &TimeoutError{Condition: cond.String(), Elapsed: elapsed, Err: err}
	}
	return Match{}, fmt.Errorf("await %s: %w", cond, err)
}

func (w Waiter) check(ctx context.Context, page browser.Page, cond Condition, budget time.Duration) (string, error) {
	switch cond.Kind {
	case KindSelector:
		if len(cond.Selectors) != 1 {
			return "", fmt.Errorf("selector condition needs one selector, got %d", len(cond.Selectors))
		}
		return cond.Selectors[0], page.WaitForSelector(ctx, cond.Selectors[0], budget)
	case KindAnyOf:
		if len(cond.Selectors) == 0 {
			return "", errors.New("any-of condition has no selectors")
		}
		return w.anyOf(ctx, page, cond.Selectors, budget)
	case KindLoad:
		return "", page.WaitForLoadState(ctx, cond.State, budget)
	case KindNetworkIdle:
		return "", page.WaitForNetworkIdle(ctx, cond.Quiet, budget)
	default:
		return "", fmt.Errorf("unsupported condition kind %d", cond.Kind)
	}
}

// anyOf waits for any selector, then reports the first listed one present.
// A match that disappears before the lookup sends it back to waiting.
func (w Waiter) anyOf(ctx context.Context, page browser.Page, selectors []string, budget time.Duration) (string, error) {
	deadline := time.Now().Add(budget)
	joined := strings.Join(selectors, ", ")
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return "", fmt.Errorf("%w: %s matched but was gone before lookup", browser.ErrTimeout, joined)
		}
		if err := page.WaitForSelector(ctx, joined, left); err != nil {
			return "", err
		}
		for _, sel := range selectors {
			el, err := page.Query(ctx, sel)
			if err != nil {
				return "", err
			}
			if el != nil {
				return sel, nil
			}
		}
	}
}

// Settle pauses for d unless ctx ends first. It is meant for cosmetic
// dismissals where there is no page event to wait on.
func Settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
