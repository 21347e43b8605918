package overlay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/patrickjm/shopwalk/internal/browser"
	"github.com/patrickjm/shopwalk/internal/telemetry"
	"github.com/patrickjm/shopwalk/internal/wait"
)

var storefrontRules = []Rule{
	{
		Name:   "locale",
		Detect: "#icp-nav-flyout",
		Click:  []string{"#icp-nav-flyout", "a[href*='language=en_IN']"},
		Idle:   true,
	},
	{
		Name:   "location",
		Detect: "#nav-global-location-popover-link",
		Click:  []string{"span.a-button-inner input[type='submit']"},
	},
}

const bothOverlays = `<html><body>
<div id="locale-box">
  <a id="icp-nav-flyout">EN</a>
  <a id="pick-en" href="/?language=en_IN" data-dismiss="#locale-box">English</a>
</div>
<div id="location-box">
  <a id="nav-global-location-popover-link">Deliver to</a>
  <span class="a-button-inner"><input id="dismiss-location" type="submit" data-dismiss="#location-box"></span>
</div>
<input id="twotabsearchtextbox">
</body></html>`

func newDismisser() *Dismisser {
	return &Dismisser{
		Rules:       storefrontRules,
		IdleQuiet:   500 * time.Millisecond,
		IdleTimeout: time.Second,
	}
}

func TestDismissBothInOrder(t *testing.T) {
	page := browser.NewFakePage(nil, "")
	page.SetHTML(bothOverlays)

	results := newDismisser().Dismiss(context.Background(), page)
	require.Len(t, results, 2)
	require.Equal(t, "locale", results[0].Rule)
	require.True(t, results[0].Dismissed)
	require.Equal(t, "location", results[1].Rule)
	require.True(t, results[1].Dismissed)

	require.Equal(t, []string{"#icp-nav-flyout", "#pick-en", "#dismiss-location"}, page.Clicks)
	require.Equal(t, 1, page.IdleWaits)
	require.NotContains(t, page.HTML(), "locale-box")
	require.NotContains(t, page.HTML(), "location-box")
}

func TestDismissIsIdempotent(t *testing.T) {
	page := browser.NewFakePage(nil, "")
	page.SetHTML(bothOverlays)
	d := newDismisser()

	d.Dismiss(context.Background(), page)
	clicks := len(page.Clicks)

	again := d.Dismiss(context.Background(), page)
	require.Len(t, again, 2)
	for _, res := range again {
		require.False(t, res.Present)
		require.NoError(t, res.Err)
	}
	require.Len(t, page.Clicks, clicks)
}

func TestDismissNothingPresent(t *testing.T) {
	page := browser.NewFakePage(nil, "")
	page.SetHTML(`<input id="twotabsearchtextbox">`)

	results := newDismisser().Dismiss(context.Background(), page)
	for _, res := range results {
		require.False(t, res.Present)
		require.False(t, res.Dismissed)
		require.NoError(t, res.Err)
	}
	require.Empty(t, page.Clicks)
	require.Zero(t, page.IdleWaits)
}

func TestDismissFailureDoesNotStopNextRule(t *testing.T) {
	page := browser.NewFakePage(nil, "")
	page.SetHTML(bothOverlays)
	d := newDismisser()
	d.Rules = []Rule{
		{Name: "broken", Detect: "#icp-nav-flyout", Click: []string{"#icp-nav-flyout"}},
		storefrontRules[1],
	}
	page.ClickErr = errors.New("element is not attached to the DOM")

	results := d.Dismiss(context.Background(), page)
	require.Len(t, results, 2)
	require.True(t, results[0].Present)
	require.ErrorContains(t, results[0].Err, "element is not attached to the DOM")
	require.False(t, results[0].Dismissed)
	require.True(t, results[1].Present)
	require.Error(t, results[1].Err)
}

func TestDismissSkipsWhenControlAbsent(t *testing.T) {
	page := browser.NewFakePage(nil, "")
	// the location link is always in the nav bar, even with no popover open
	page.SetHTML(`<a id="icp-nav-flyout">EN</a>
<a id="nav-global-location-popover-link">Deliver to</a>
<input id="twotabsearchtextbox">`)
	metrics := telemetry.NewMetrics()
	d := newDismisser()
	d.Metrics = metrics

	results := d.Dismiss(context.Background(), page)
	require.Len(t, results, 2)
	for _, res := range results {
		require.True(t, res.Present)
		require.False(t, res.Dismissed)
		require.NoError(t, res.Err)
	}
	require.Equal(t, "a[href*='language=en_IN']", results[0].Missing)
	require.Equal(t, "span.a-button-inner input[type='submit']", results[1].Missing)
	require.Equal(t, []string{"#icp-nav-flyout"}, page.Clicks)
	require.Zero(t, page.IdleWaits)
	expected := `
# HELP shopwalk_overlays_total Overlay rule evaluations by rule and result.
# TYPE shopwalk_overlays_total counter
shopwalk_overlays_total{result="skipped",rule="locale"} 1
shopwalk_overlays_total{result="skipped",rule="location"} 1
`
	require.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "shopwalk_overlays_total"))
}

func TestDismissDriverErrorIsContained(t *testing.T) {
	page := browser.NewFakePage(nil, "")
	page.SetHTML(bothOverlays)
	page.QueryErr = errors.New("execution context was destroyed")

	results := newDismisser().Dismiss(context.Background(), page)
	require.Len(t, results, 2)
	for _, res := range results {
		require.ErrorContains(t, res.Err, "execution context was destroyed")
	}
}

func TestDismissStopsOnCancel(t *testing.T) {
	page := browser.NewFakePage(nil, "")
	page.SetHTML(bothOverlays)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := newDismisser().Dismiss(ctx, page)
	require.Empty(t, results)
	require.Empty(t, page.Clicks)
}

func TestDismissIdleTimeoutReported(t *testing.T) {
	page := browser.NewFakePage(nil, "")
	page.SetHTML(bothOverlays)
	d := newDismisser()
	d.IdleTimeout = 0

	results := d.Dismiss(context.Background(), page)
	require.True(t, wait.IsTimeout(results[0].Err))
	require.True(t, results[1].Dismissed)
}
