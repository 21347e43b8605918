package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patrickjm/shopwalk/internal/browser"
	"github.com/patrickjm/shopwalk/internal/results"
	"github.com/patrickjm/shopwalk/internal/sequence"
)

const (
	homeURL    = "https://www.amazon.in/"
	resultsURL = "/s?k=boat+headphones"
)

const homePage = `<html><head><title>Amazon.in</title></head><body>
<div id="nav-logo-sprites"></div>
<div id="locale-box">
  <a id="icp-nav-flyout">EN</a>
  <a id="pick-en" href="/?language=en_IN" data-dismiss="#locale-box">English</a>
</div>
<input id="twotabsearchtextbox">
</body></html>`

const resultsPage = `<html><body>
<div data-component-type="s-search-result"><span>Sony WH-CH520</span><a class="a-link-normal" target="_blank" href="/dp/sony">Sony</a></div>
<div data-component-type="s-search-result"><span>boAt Rockerz 450</span><a class="a-link-normal" target="_blank" href="/dp/boat-rockerz">Rockerz</a></div>
<div data-component-type="s-search-result"><span>JBL Tune 510BT</span><a class="a-link-normal" target="_blank" href="/dp/jbl">JBL</a></div>
</body></html>`

func storefront() map[string]string {
	return map[string]string{
		homeURL:    homePage,
		resultsURL: resultsPage,
		"/dp/boat-rockerz": `<title>boAt Rockerz 450</title>
<span id="productTitle">  boAt Rockerz 450 Bluetooth  </span>
<a id="buy-now-button" href="/ap/signin">Buy Now</a>`,
		"/ap/signin":   `<form><input id="ap_email_login" name="email"></form>`,
		"/ap/password": `<form><input id="ap_password" type="password"></form>`,
		"/ap/otp":      `<form><input id="auth-pv-enter-code"></form>`,
	}
}

func testOptions() Options {
	timeouts := DefaultTimeouts()
	timeouts.Settle = 0
	return Options{
		Site:       AmazonIN(),
		Timeouts:   timeouts,
		Query:      "boat headphones",
		Brands:     []string{"boAt"},
		Identifier: "+91 0000000000",
	}
}

func startPage(t *testing.T, site map[string]string, onPress map[string]string) (*browser.FakeSession, *browser.FakePage) {
	t.Helper()
	session := &browser.FakeSession{Site: site, OnPress: onPress}
	page, err := session.NewPage(context.Background())
	require.NoError(t, err)
	return session, page.(*browser.FakePage)
}

func defaultPresses() map[string]string {
	return map[string]string{
		"#twotabsearchtextbox=Enter": resultsURL,
		"#ap_email_login=Enter":      "/ap/password",
	}
}

func TestFlowReachesPasswordBoundary(t *testing.T) {
	session, page := startPage(t, storefront(), defaultPresses())

	out, err := New(testOptions()).Run(context.Background(), page)
	require.NoError(t, err)

	require.Len(t, out.Report.Steps, 8)
	for _, step := range out.Report.Steps {
		require.Equal(t, sequence.StatusOK, step.Status, step.Step)
	}
	require.Equal(t, results.MatchPreferred, out.Selection.Match)
	require.Equal(t, results.StateContextReady, out.Selection.State)
	require.Equal(t, "/dp/boat-rockerz", out.Selection.Target)
	require.Equal(t, "boAt Rockerz 450 Bluetooth", out.ProductTitle)
	require.True(t, out.BuyClicked)
	require.Equal(t, BranchPassword, out.Boundary)

	require.Len(t, session.Pages, 2)
	product := session.Pages[1]
	require.Same(t, product, out.Report.Page)
	require.Equal(t, []string{"#ap_email_login=+91 0000000000"}, product.Fills)
	require.Equal(t, "/ap/password", product.URLValue)

	require.Equal(t, []string{homeURL, resultsURL}, page.Visits)
	require.Equal(t, []string{"#twotabsearchtextbox=boat headphones"}, page.Fills)
	require.True(t, out.Overlays[0].Dismissed)
	require.False(t, out.Overlays[1].Present)
}

func TestFlowReachesVerificationBoundary(t *testing.T) {
	site := storefront()
	site["/ap/signin"] = `<input id="ap_email">`
	presses := map[string]string{
		"#twotabsearchtextbox=Enter": resultsURL,
		"#ap_email=Enter":            "/ap/otp",
	}
	_, page := startPage(t, site, presses)

	out, err := New(testOptions()).Run(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, BranchVerification, out.Boundary)

	step, ok := out.Report.Step("identifier")
	require.True(t, ok)
	require.Equal(t, "#ap_email", step.Matched[CondIdentifier])
}

func TestFlowFallbackWhenNoBrandResult(t *testing.T) {
	site := storefront()
	site[resultsURL] = `
<div data-component-type="s-search-result"><span>Sony WH-CH520</span><a class="a-link-normal" target="_blank" href="/dp/boat-rockerz">Sony</a></div>
<div data-component-type="s-search-result"><span>JBL Tune</span><a class="a-link-normal" target="_blank" href="/dp/jbl">JBL</a></div>`
	_, page := startPage(t, site, defaultPresses())

	out, err := New(testOptions()).Run(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, results.MatchFallback, out.Selection.Match)
}

func TestFlowAbortsWhenResultsNeverRender(t *testing.T) {
	site := storefront()
	site[resultsURL] = `<div class="s-no-results">No results for boat headphones</div>`
	_, page := startPage(t, site, defaultPresses())

	out, err := New(testOptions()).Run(context.Background(), page)
	var stepErr *sequence.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "search", stepErr.Step)
	require.Equal(t, CondResults, stepErr.Condition)
	require.Equal(t, "timeout", stepErr.Kind())

	require.Len(t, out.Report.Steps, 3)
	_, ran := out.Report.Step("select")
	require.False(t, ran)
}

func TestFlowMissingBuyNowProceeds(t *testing.T) {
	site := storefront()
	site["/dp/boat-rockerz"] = `<span id="productTitle">boAt Rockerz 450</span><p>Currently unavailable.</p>`
	_, page := startPage(t, site, defaultPresses())

	out, err := New(testOptions()).Run(context.Background(), page)

	buy, ok := out.Report.Step("buy")
	require.True(t, ok)
	require.Equal(t, sequence.StatusOK, buy.Status)
	require.Equal(t, NoteEntryMissing, buy.Note)
	require.False(t, out.BuyClicked)

	// the run moved past buy and failed waiting for sign-in instead
	var stepErr *sequence.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "identifier", stepErr.Step)
}

func TestFlowNavigationFailure(t *testing.T) {
	_, page := startPage(t, map[string]string{}, nil)

	_, err := New(testOptions()).Run(context.Background(), page)
	var stepErr *sequence.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "navigate", stepErr.Step)
	require.Equal(t, "driver", stepErr.Kind())
}

func TestSelectStepNoCandidateIsNoProduct(t *testing.T) {
	_, page := startPage(t, storefront(), nil)
	page.SetHTML(`<div></div>`)

	f := New(testOptions())
	plan := f.Plan()
	require.Equal(t, "select", plan[3].Name)

	_, err := plan[3].Action(context.Background(), sequence.Input{Page: page})
	require.True(t, errors.Is(err, ErrNoProduct))
	require.Equal(t, results.StateNoCandidate, f.outcome.Selection.State)
}

func TestPlanPolicies(t *testing.T) {
	plan := New(testOptions()).Plan()
	names := make([]string, 0, len(plan))
	var bestEffort []string
	for _, s := range plan {
		names = append(names, s.Name)
		if s.Policy == sequence.BestEffort {
			bestEffort = append(bestEffort, s.Name)
		}
	}
	require.Equal(t, []string{"navigate", "overlays", "search", "select", "product", "buy", "identifier", "boundary"}, names)
	require.Equal(t, []string{"overlays", "buy"}, bestEffort)
}

func TestSiteMergeKeepsOverrides(t *testing.T) {
	merged := Site{SearchBox: "#q", Identifier: []string{"#email"}}.Merge(AmazonIN())
	require.Equal(t, "#q", merged.SearchBox)
	require.Equal(t, []string{"#email"}, merged.Identifier)
	require.Equal(t, "#nav-logo-sprites", merged.HomeReady)
	require.Equal(t, []string{"a.a-link-normal", "h2 a"}, merged.ResultLinks)
}

func TestBranchFor(t *testing.T) {
	f := New(testOptions())
	require.Equal(t, BranchPassword, f.BranchFor("#ap_password"))
	require.Equal(t, BranchVerification, f.BranchFor("#auth-pv-enter-code"))
	require.Equal(t, "unknown", f.BranchFor(""))
}
