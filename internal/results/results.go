// Package results picks a product from a search results page and follows it
// into the tab it opens.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickjm/shopwalk/internal/browser"
	"github.com/patrickjm/shopwalk/internal/telemetry"
	"github.com/patrickjm/shopwalk/internal/wait"
)

type Match int

const (
	MatchNone Match = iota
	MatchPreferred
	MatchFallback
)

func (m Match) String() string {
	switch m {
	case MatchPreferred:
		return "preferred"
	case MatchFallback:
		return "fallback"
	default:
		return "none"
	}
}

type State int

const (
	StateIdle State = iota
	StateSearching
	StateMatchedPreferred
	StateMatchedFallback
	StateNoCandidate
	StateAwaitingNewContext
	StateContextReady
	StateContextTimeout
	StateDegraded
)

var stateNames = map[State]string{
	StateIdle:               "idle",
	StateSearching:          "searching",
	StateMatchedPreferred:   "matched-preferred",
	StateMatchedFallback:    "matched-fallback",
	StateNoCandidate:        "no-candidate",
	StateAwaitingNewContext: "awaiting-new-context",
	StateContextReady:       "context-ready",
	StateContextTimeout:     "context-timeout",
	StateDegraded:           "degraded",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Selection is the outcome of one Select call. Page is the page the flow
// should continue on: the new tab when State is StateContextReady, the input
// page otherwise.
type Selection struct {
	Match  Match
	State  State
	Page   browser.Page
	Target string
	Err    error
}

// HandedOff reports whether the flow moved to a new tab.
func (s Selection) HandedOff() bool {
	return s.State == StateContextReady
}

// Selector chooses among the results matched by Container. Links are tried
// in order inside the chosen result to find what opens the product. Timeout
// bounds the wait for the new tab and ReadyTimeout bounds its document load.
type Selector struct {
	Container    string
	Links        []string
	Brands       []string
	Timeout      time.Duration
	ReadyTimeout time.Duration
	Waiter       wait.Waiter
	Log          *slog.Logger
	Metrics      *telemetry.Metrics
}

var errNoCandidate = errors.New("no search result to select")

// Select never fails: problems are folded into the returned state and the
// caller keeps its page.
func (s *Selector) Select(ctx context.Context, page browser.Page) Selection {
	ctx, span := telemetry.StartSpan(ctx, "select result")
	defer span.End()
	log := telemetry.OrDiscard(s.Log)
	sel := Selection{State: StateSearching, Page: page}

	newPage, err := page.ExpectNewPage(ctx, func() error {
		candidate, match, err := s.choose(ctx, page)
		if err != nil {
			return err
		}
		sel.Match = match
		if match == MatchPreferred {
			sel.State = StateMatchedPreferred
		} else {
			sel.State = StateMatchedFallback
		}
		link, target, err := s.link(ctx, candidate)
		if err != nil {
			return err
		}
		sel.Target = target
		log.Info("result chosen", "match", match.String(), "target", target)
		sel.State = StateAwaitingNewContext
		return link.Click(ctx)
	}, s.Timeout)

	switch {
	case errors.Is(err, errNoCandidate):
		sel.State = StateNoCandidate
		log.Warn("no search results to choose from")
	case err != nil && sel.State == StateAwaitingNewContext && errors.Is(err, browser.ErrTimeout):
		sel.State = StateContextTimeout
		sel.Err = err
		log.Warn("product did not open in a new tab", "timeout", s.Timeout, "err", err)
	case err != nil:
		sel.State = StateDegraded
		sel.Err = err
		log.Warn("result selection degraded", "err", err)
	default:
		cond := wait.Load("product document loaded", browser.LoadStateDOMContentLoaded)
		if _, err := s.Waiter.Await(ctx, newPage, cond, s.ReadyTimeout); err != nil {
			_ = newPage.Close()
			sel.State = StateDegraded
			sel.Err = err
			log.Warn("new tab never became ready", "err", err)
			break
		}
		sel.Page = newPage
		sel.State = StateContextReady
		url, _ := newPage.URL()
		title, _ := newPage.Title()
		log.Info("continuing in new tab", "url", url, "title", title)
	}

	span.SetAttributes(
		telemetry.AttrOutcome.String(sel.Match.String()),
		telemetry.AttrState.String(sel.State.String()),
	)
	if sel.Err != nil {
		span.RecordError(sel.Err)
	}
	s.Metrics.CountSelection(sel.Match.String(), sel.State.String())
	return sel
}

func (s *Selector) choose(ctx context.Context, page browser.Page) (browser.Element, Match, error) {
	candidates, err := page.QueryAll(ctx, s.Container)
	if err != nil {
		return nil, MatchNone, fmt.Errorf("list results: %w", err)
	}
	if len(candidates) == 0 {
		return nil, MatchNone, errNoCandidate
	}
	for _, c := range candidates {
		text, err := c.Text(ctx)
		if err != nil {
			return nil, MatchNone, fmt.Errorf("read result text: %w", err)
		}
		if ContainsBrand(text, s.Brands) {
			return c, MatchPreferred, nil
		}
	}
	return candidates[0], MatchFallback, nil
}

func (s *Selector) link(ctx context.Context, candidate browser.Element) (browser.Element, string, error) {
	for _, sel := range s.Links {
		el, err := candidate.Query(ctx, sel)
		if err != nil {
			return nil, "", fmt.Errorf("find link %s: %w", sel, err)
		}
		if el == nil {
			continue
		}
		href, err := el.Attr(ctx, "href")
		if err != nil {
			return nil, "", fmt.Errorf("read link %s: %w", sel, err)
		}
		return el, href, nil
	}
	return nil, "", fmt.Errorf("chosen result has no link matching %s", strings.Join(s.Links, " or "))
}

// ContainsBrand reports whether text mentions any of the brand tokens,
// ignoring case. Empty tokens never match.
func ContainsBrand(text string, brands []string) bool {
	lower := strings.ToLower(text)
	for _, b := range brands {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(b)) {
			return true
		}
	}
	return false
}
