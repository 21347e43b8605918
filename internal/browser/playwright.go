package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Playwright's own networkidle state waits for this long without traffic.
const playwrightIdleWindow = 500 * time.Millisecond

type PlaywrightEngine struct{}

func (p PlaywrightEngine) Start(ctx context.Context, opts StartOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, err
	}
	bt, err := browserType(pw, opts.Browser)
	if err != nil {
		pw.Stop()
		return nil, err
	}
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	}
	if opts.Channel != "" {
		launchOpts.Channel = playwright.String(opts.Channel)
	}
	if opts.SlowMo > 0 {
		launchOpts.SlowMo = playwright.Float(float64(opts.SlowMo.Milliseconds()))
	}
	browser, err := bt.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, err
	}
	ctxOpts := playwright.BrowserNewContextOptions{}
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		ctxOpts.Viewport = &playwright.Size{Width: opts.Viewport.Width, Height: opts.Viewport.Height}
	}
	if opts.StorageIn != "" {
		if _, err := os.Stat(opts.StorageIn); err == nil {
			ctxOpts.StorageStatePath = playwright.String(opts.StorageIn)
		}
	}
	bctx, err := browser.NewContext(ctxOpts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, err
	}
	return &playwrightSession{pw: pw, browser: browser, ctx: bctx}, nil
}

type playwrightSession struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	ctx     playwright.BrowserContext
}

func (s *playwrightSession) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := s.ctx.NewPage()
	if err != nil {
		return nil, err
	}
	return &playwrightPage{page: page}, nil
}

func (s *playwrightSession) StorageState(path string) error {
	_, err := s.ctx.StorageState(path)
	return err
}

func (s *playwrightSession) Close() error {
	if s.ctx != nil {
		_ = s.ctx.Close()
	}
	if s.browser != nil {
		_ = s.browser.Close()
	}
	if s.pw != nil {
		s.pw.Stop()
	}
	return nil
}

type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Goto(ctx context.Context, url string) error {
	return run(ctx, func() error {
		_, err := p.page.Goto(url)
		return err
	})
}

func (p *playwrightPage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	ms, err := budgetMs(ctx, timeout)
	if err != nil {
		return err
	}
	return run(ctx, func() error {
		_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
			State:   playwright.WaitForSelectorStateAttached,
			Timeout: playwright.Float(ms),
		})
		return err
	})
}

func (p *playwrightPage) WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error {
	ms, err := budgetMs(ctx, timeout)
	if err != nil {
		return err
	}
	pwState := playwright.LoadStateLoad
	if state == LoadStateDOMContentLoaded {
		pwState = playwright.LoadStateDomcontentloaded
	}
	return run(ctx, func() error {
		return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   pwState,
			Timeout: playwright.Float(ms),
		})
	})
}

func (p *playwrightPage) WaitForNetworkIdle(ctx context.Context, quiet time.Duration, timeout time.Duration) error {
	start := time.Now()
	ms, err := budgetMs(ctx, timeout)
	if err != nil {
		return err
	}
	if err := run(ctx, func() error {
		return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: playwright.Float(ms),
		})
	}); err != nil {
		return err
	}
	extra, err := extraQuiet(ctx, start, quiet, timeout)
	if err != nil || extra <= 0 {
		return err
	}
	timer := time.NewTimer(extra)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// extraQuiet returns how much longer than playwright's own idle window to stay
// quiet, or a timeout when that would outlast the budget left since start.
func extraQuiet(ctx context.Context, start time.Time, quiet, timeout time.Duration) (time.Duration, error) {
	extra := quiet - playwrightIdleWindow
	if extra <= 0 {
		return 0, nil
	}
	if time.Since(start)+extra > Budget(ctx, timeout) {
		return 0, fmt.Errorf("%w: network idle window of %s", ErrTimeout, quiet)
	}
	return extra, nil
}

func (p *playwrightPage) Query(ctx context.Context, selector string) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handle, err := p.page.QuerySelector(selector)
	if err != nil {
		return nil, mapError(err)
	}
	if handle == nil {
		return nil, nil
	}
	return &playwrightElement{handle: handle}, nil
}

func (p *playwrightPage) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handles, err := p.page.QuerySelectorAll(selector)
	if err != nil {
		return nil, mapError(err)
	}
	elements := make([]Element, 0, len(handles))
	for _, h := range handles {
		elements = append(elements, &playwrightElement{handle: h})
	}
	return elements, nil
}

func (p *playwrightPage) Fill(ctx context.Context, selector string, value string) error {
	return run(ctx, func() error {
		return p.page.Fill(selector, value)
	})
}

func (p *playwrightPage) Press(ctx context.Context, selector string, key string) error {
	return run(ctx, func() error {
		return p.page.Press(selector, key)
	})
}

func (p *playwrightPage) ExpectNewPage(ctx context.Context, trigger func() error, timeout time.Duration) (Page, error) {
	ms, err := budgetMs(ctx, timeout)
	if err != nil {
		return nil, err
	}
	popup, err := expectUntil(ctx, func(cb func() error) (playwright.Page, error) {
		return p.page.ExpectPopup(cb, playwright.PageExpectPopupOptions{Timeout: playwright.Float(ms)})
	}, trigger, func(late playwright.Page) {
		_ = late.Close()
	})
	if err != nil {
		return nil, err
	}
	return &playwrightPage{page: popup}, nil
}

// expectUntil runs a blocking expect call with trigger as its action and
// returns early when ctx ends. An error from trigger wins over the expect
// error. A result that arrives after ctx ended is handed to discard.
func expectUntil[T any](ctx context.Context, expect func(func() error) (T, error), trigger func() error, discard func(T)) (T, error) {
	type outcome struct {
		value      T
		triggerErr error
		err        error
	}
	var zero T
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		o.value, o.err = expect(func() error {
			o.triggerErr = trigger()
			return o.triggerErr
		})
		done <- o
	}()
	select {
	case <-ctx.Done():
		go func() {
			if o := <-done; o.err == nil && o.triggerErr == nil && discard != nil {
				discard(o.value)
			}
		}()
		return zero, ctx.Err()
	case o := <-done:
		if o.triggerErr != nil {
			return zero, o.triggerErr
		}
		if o.err != nil {
			return zero, mapError(o.err)
		}
		return o.value, nil
	}
}

func (p *playwrightPage) URL() (string, error) {
	return p.page.URL(), nil
}

func (p *playwrightPage) Title() (string, error) {
	return p.page.Title()
}

func (p *playwrightPage) Close() error {
	return p.page.Close()
}

type playwrightElement struct {
	handle playwright.ElementHandle
}

func (e *playwrightElement) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := e.handle.InnerText()
	return text, mapError(err)
}

func (e *playwrightElement) Attr(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, err := e.handle.GetAttribute(name)
	return value, mapError(err)
}

func (e *playwrightElement) Query(ctx context.Context, selector string) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handle, err := e.handle.QuerySelector(selector)
	if err != nil {
		return nil, mapError(err)
	}
	if handle == nil {
		return nil, nil
	}
	return &playwrightElement{handle: handle}, nil
}

func (e *playwrightElement) Click(ctx context.Context) error {
	return run(ctx, func() error {
		return e.handle.Click()
	})
}

// run executes a blocking driver call and returns early if ctx ends first.
// The abandoned call still finishes on its own driver timeout.
func run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return mapError(err)
	}
}

func budgetMs(ctx context.Context, timeout time.Duration) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := Budget(ctx, timeout)
	if d <= 0 {
		return 0, ErrTimeout
	}
	// zero disables playwright timeouts entirely
	ms := float64(d.Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return ms, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func browserType(pw *playwright.Playwright, name string) (playwright.BrowserType, error) {
	switch name {
	case "chromium", "":
		return pw.Chromium, nil
	case "firefox":
		return pw.Firefox, nil
	case "webkit":
		return pw.WebKit, nil
	default:
		return nil, errors.New("unknown browser: " + name)
	}
}
