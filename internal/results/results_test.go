package results

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patrickjm/shopwalk/internal/browser"
	"github.com/patrickjm/shopwalk/internal/telemetry"
)

const resultContainer = "[data-component-type='s-search-result']"

func newSelector(brands ...string) *Selector {
	return &Selector{
		Container:    resultContainer,
		Links:        []string{"a.a-link-normal", "h2 a"},
		Brands:       brands,
		Timeout:      time.Second,
		ReadyTimeout: time.Second,
	}
}

func searchPage(site map[string]string, html string) *browser.FakePage {
	session := &browser.FakeSession{Site: site}
	page, _ := session.NewPage(context.Background())
	fp := page.(*browser.FakePage)
	fp.SetHTML(html)
	return fp
}

var productSite = map[string]string{
	"/dp/sony-wh":        `<title>Sony WH-CH520</title><span id="productTitle">Sony WH-CH520</span>`,
	"/dp/boat-rockerz":   `<title>boAt Rockerz 450</title><span id="productTitle">boAt Rockerz 450</span>`,
	"/dp/jbl-tune":       `<title>JBL Tune 510BT</title><span id="productTitle">JBL Tune 510BT</span>`,
	"/dp/generic-buds":   `<title>Generic Buds</title><span id="productTitle">Generic Buds</span>`,
	"/dp/other-earphone": `<title>Other</title><span id="productTitle">Other</span>`,
}

func TestSelectPreferredOpensNewTab(t *testing.T) {
	page := searchPage(productSite, `
<div data-component-type="s-search-result"><h2><a class="a-link-normal" target="_blank" href="/dp/sony-wh">Sony WH-CH520</a></h2></div>
<div data-component-type="s-search-result"><h2><a class="a-link-normal" target="_blank" href="/dp/boat-rockerz">boAt Rockerz 450</a></h2></div>
<div data-component-type="s-search-result"><h2><a class="a-link-normal" target="_blank" href="/dp/jbl-tune">JBL Tune 510BT</a></h2></div>`)

	sel := newSelector("boAt").Select(context.Background(), page)
	require.Equal(t, MatchPreferred, sel.Match)
	require.Equal(t, StateContextReady, sel.State)
	require.True(t, sel.HandedOff())
	require.NoError(t, sel.Err)
	require.Equal(t, "/dp/boat-rockerz", sel.Target)

	next := sel.Page.(*browser.FakePage)
	require.NotSame(t, page, next)
	require.Equal(t, "/dp/boat-rockerz", next.URLValue)
	require.Contains(t, next.WaitCalls, "load:domcontentloaded")
	require.Zero(t, page.LostPopups())
}

func TestSelectTracesOutcomeAndLogsNewTab(t *testing.T) {
	var spans, logs bytes.Buffer
	tp, err := telemetry.NewTracerProvider(&spans, "01HZY")
	require.NoError(t, err)

	page := searchPage(productSite, `
<div data-component-type="s-search-result"><a class="a-link-normal" target="_blank" href="/dp/jbl-tune">JBL Tune 510BT</a></div>`)
	s := newSelector("boAt")
	s.Log = telemetry.NewLogger(&logs, true, slog.LevelDebug)
	sel := s.Select(context.Background(), page)
	require.Equal(t, StateContextReady, sel.State)
	require.NoError(t, tp.Shutdown(context.Background()))

	require.Contains(t, spans.String(), "select result")
	require.Contains(t, spans.String(), "shopwalk.selection.outcome")
	require.Contains(t, spans.String(), "fallback")
	require.Contains(t, spans.String(), "context-ready")
	require.Contains(t, logs.String(), `"url":"/dp/jbl-tune"`)
	require.Contains(t, logs.String(), `"title":"JBL Tune 510BT"`)
}

func TestSelectFallbackToFirst(t *testing.T) {
	page := searchPage(productSite, `
<div data-component-type="s-search-result"><a class="a-link-normal" target="_blank" href="/dp/sony-wh">Sony WH-CH520</a></div>
<div data-component-type="s-search-result"><a class="a-link-normal" target="_blank" href="/dp/jbl-tune">JBL Tune 510BT</a></div>`)

	sel := newSelector("boAt").Select(context.Background(), page)
	require.Equal(t, MatchFallback, sel.Match)
	require.Equal(t, StateContextReady, sel.State)
	require.Equal(t, "/dp/sony-wh", sel.Target)
}

func TestSelectPreferredRegardlessOfPosition(t *testing.T) {
	page := searchPage(productSite, `
<div data-component-type="s-search-result"><a class="a-link-normal" target="_blank" href="/dp/generic-buds">Generic Buds</a></div>
<div data-component-type="s-search-result"><a class="a-link-normal" target="_blank" href="/dp/other-earphone">Other Earphone</a></div>
<div data-component-type="s-search-result"><span>BOAT Rockerz</span><a class="a-link-normal" target="_blank" href="/dp/boat-rockerz">Rockerz 450</a></div>`)

	sel := newSelector("boat").Select(context.Background(), page)
	require.Equal(t, MatchPreferred, sel.Match)
	require.Equal(t, "/dp/boat-rockerz", sel.Target)
	require.Equal(t, []string{"/dp/boat-rockerz"}, page.Clicks)
}

func TestSelectFallsBackToHeadingLink(t *testing.T) {
	page := searchPage(productSite, `
<div data-component-type="s-search-result"><h2><a target="_blank" href="/dp/generic-buds">Generic Buds</a></h2></div>`)

	sel := newSelector("boAt").Select(context.Background(), page)
	require.Equal(t, StateContextReady, sel.State)
	require.Equal(t, "/dp/generic-buds", sel.Target)
}

func TestSelectEmptyResultSet(t *testing.T) {
	page := searchPage(productSite, `<div class="s-no-outline">No results</div>`)

	sel := newSelector("boAt").Select(context.Background(), page)
	require.Equal(t, MatchNone, sel.Match)
	require.Equal(t, StateNoCandidate, sel.State)
	require.Same(t, page, sel.Page)
	require.Empty(t, page.Clicks)
}

func TestSelectNoNewTabTimesOut(t *testing.T) {
	page := searchPage(productSite, `
<div data-component-type="s-search-result"><a class="a-link-normal" target="_blank" href="/dp/boat-rockerz">boAt</a></div>`)
	page.NoPopups = true

	done := make(chan Selection, 1)
	go func() { done <- newSelector("boAt").Select(context.Background(), page) }()

	select {
	case sel := <-done:
		require.Equal(t, StateContextTimeout, sel.State)
		require.Equal(t, MatchPreferred, sel.Match)
		require.Same(t, page, sel.Page)
		require.ErrorIs(t, sel.Err, browser.ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("Select did not return")
	}
}

func TestSelectDriverErrorDegrades(t *testing.T) {
	page := searchPage(productSite, `<div data-component-type="s-search-result">x</div>`)
	page.QueryErr = errors.New("target closed")

	sel := newSelector("boAt").Select(context.Background(), page)
	require.Equal(t, StateDegraded, sel.State)
	require.Same(t, page, sel.Page)
	require.ErrorContains(t, sel.Err, "target closed")
}

func TestSelectResultWithoutLinkDegrades(t *testing.T) {
	page := searchPage(productSite, `<div data-component-type="s-search-result">boAt sponsored</div>`)

	sel := newSelector("boAt").Select(context.Background(), page)
	require.Equal(t, StateDegraded, sel.State)
	require.Equal(t, MatchPreferred, sel.Match)
	require.Same(t, page, sel.Page)
}

func TestSelectNewTabNotReadyClosesIt(t *testing.T) {
	session := &browser.FakeSession{Site: productSite}
	first, _ := session.NewPage(context.Background())
	page := first.(*browser.FakePage)
	page.SetHTML(`<div data-component-type="s-search-result"><a class="a-link-normal" target="_blank" href="/dp/boat-rockerz">boAt</a></div>`)

	s := newSelector("boAt")
	s.ReadyTimeout = 0

	sel := s.Select(context.Background(), page)
	require.Equal(t, StateDegraded, sel.State)
	require.Same(t, page, sel.Page)
	require.Len(t, session.Pages, 2)
	require.True(t, session.Pages[1].Closed)
}

func TestContainsBrand(t *testing.T) {
	require.True(t, ContainsBrand("boAt Rockerz 450 Bluetooth", []string{"boAt"}))
	require.True(t, ContainsBrand("BOAT airdopes", []string{"boat"}))
	require.True(t, ContainsBrand("JBL Tune", []string{"boAt", "jbl"}))
	require.False(t, ContainsBrand("Sony WH-1000", []string{"boAt"}))
	require.False(t, ContainsBrand("anything", []string{"", "  "}))
	require.False(t, ContainsBrand("anything", nil))
}

func TestStateNames(t *testing.T) {
	require.Equal(t, "context-timeout", StateContextTimeout.String())
	require.Equal(t, "fallback", MatchFallback.String())
}
