package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const chromedpActionTimeout = 30 * time.Second

// ChromedpEngine drives a local Chrome over the DevTools protocol. Browser
// state persists through StartOptions.UserData rather than storage files.
type ChromedpEngine struct {
	ExecPath string
}

func (e ChromedpEngine) Start(ctx context.Context, opts StartOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height))
	}
	if opts.UserData != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserData))
	}
	if e.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(e.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &chromedpSession{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

type chromedpSession struct {
	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	firstTaken    bool
}

func (s *chromedpSession) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.firstTaken {
		s.firstTaken = true
		return &chromedpPage{ctx: s.browserCtx, session: s}, nil
	}
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, err
	}
	return &chromedpPage{ctx: tabCtx, cancel: cancel, session: s}, nil
}

// StorageState is a no-op: the user data directory already holds cookies.
func (s *chromedpSession) StorageState(path string) error {
	return nil
}

func (s *chromedpSession) Close() error {
	s.browserCancel()
	s.allocCancel()
	return nil
}

type chromedpPage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	session *chromedpSession
}

func (p *chromedpPage) Goto(ctx context.Context, url string) error {
	return p.do(ctx, chromedpActionTimeout, chromedp.Navigate(url))
}

func (p *chromedpPage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return p.do(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (p *chromedpPage) WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error {
	expr := `document.readyState === "complete"`
	if state == LoadStateDOMContentLoaded {
		expr = `document.readyState !== "loading"`
	}
	var ready bool
	return p.do(ctx, timeout, chromedp.Poll(expr, &ready))
}

func (p *chromedpPage) WaitForNetworkIdle(ctx context.Context, quiet time.Duration, timeout time.Duration) error {
	budget := Budget(ctx, timeout)
	if budget <= 0 {
		return ErrTimeout
	}
	if quiet <= 0 {
		quiet = playwrightIdleWindow
	}
	if err := p.do(ctx, budget, network.Enable()); err != nil {
		return err
	}

	var mu sync.Mutex
	inflight := map[network.RequestID]struct{}{}
	activity := make(chan struct{}, 1)
	listenCtx, stopListening := context.WithCancel(p.ctx)
	defer stopListening()
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		mu.Lock()
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			inflight[e.RequestID] = struct{}{}
		case *network.EventLoadingFinished:
			delete(inflight, e.RequestID)
		case *network.EventLoadingFailed:
			delete(inflight, e.RequestID)
		default:
			mu.Unlock()
			return
		}
		mu.Unlock()
		select {
		case activity <- struct{}{}:
		default:
		}
	})

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	settled := time.NewTimer(quiet)
	defer settled.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: network not idle for %s", ErrTimeout, quiet)
		case <-activity:
			settled.Reset(quiet)
		case <-settled.C:
			mu.Lock()
			pending := len(inflight)
			mu.Unlock()
			if pending == 0 {
				return nil
			}
			settled.Reset(quiet)
		}
	}
}

func (p *chromedpPage) Query(ctx context.Context, selector string) (Element, error) {
	elements, err := p.QueryAll(ctx, selector)
	if err != nil || len(elements) == 0 {
		return nil, err
	}
	return elements[0], nil
}

func (p *chromedpPage) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	var nodes []*cdp.Node
	if err := p.do(ctx, chromedpActionTimeout, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	return p.wrap(nodes), nil
}

func (p *chromedpPage) Fill(ctx context.Context, selector string, value string) error {
	return p.do(ctx, chromedpActionTimeout,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *chromedpPage) Press(ctx context.Context, selector string, key string) error {
	return p.do(ctx, chromedpActionTimeout, chromedp.SendKeys(selector, keyInput(key), chromedp.ByQuery))
}

func (p *chromedpPage) ExpectNewPage(ctx context.Context, trigger func() error, timeout time.Duration) (Page, error) {
	budget := Budget(ctx, timeout)
	if budget <= 0 {
		return nil, ErrTimeout
	}
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return nil, ErrClosed
	}
	opener := c.Target.TargetID
	listenCtx, stopListening := context.WithCancel(p.ctx)
	defer stopListening()
	opened := chromedp.WaitNewTarget(listenCtx, func(info *target.Info) bool {
		return info.OpenerID == opener
	})

	if err := trigger(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: no new tab within %s", ErrTimeout, budget)
	case id := <-opened:
		tabCtx, cancel := chromedp.NewContext(p.session.browserCtx, chromedp.WithTargetID(id))
		if err := chromedp.Run(tabCtx); err != nil {
			cancel()
			return nil, err
		}
		return &chromedpPage{ctx: tabCtx, cancel: cancel, session: p.session}, nil
	}
}

func (p *chromedpPage) URL() (string, error) {
	var url string
	err := p.do(context.Background(), chromedpActionTimeout, chromedp.Location(&url))
	return url, err
}

func (p *chromedpPage) Title() (string, error) {
	var title string
	err := p.do(context.Background(), chromedpActionTimeout, chromedp.Title(&title))
	return title, err
}

func (p *chromedpPage) Close() error {
	// the first tab belongs to the session and closes with it
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *chromedpPage) do(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	budget := Budget(ctx, timeout)
	if budget <= 0 {
		return ErrTimeout
	}
	runCtx, cancel := context.WithTimeout(p.ctx, budget)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case p.ctx.Err() != nil:
		return ErrClosed
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

func (p *chromedpPage) wrap(nodes []*cdp.Node) []Element {
	elements := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		elements = append(elements, &chromedpElement{page: p, node: n})
	}
	return elements
}

type chromedpElement struct {
	page *chromedpPage
	node *cdp.Node
}

func (e *chromedpElement) Text(ctx context.Context) (string, error) {
	var text string
	err := e.page.do(ctx, chromedpActionTimeout, chromedp.Text([]cdp.NodeID{e.node.NodeID}, &text, chromedp.ByNodeID))
	return text, err
}

func (e *chromedpElement) Attr(ctx context.Context, name string) (string, error) {
	var value string
	var ok bool
	err := e.page.do(ctx, chromedpActionTimeout, chromedp.AttributeValue([]cdp.NodeID{e.node.NodeID}, name, &value, &ok, chromedp.ByNodeID))
	return value, err
}

func (e *chromedpElement) Query(ctx context.Context, selector string) (Element, error) {
	var nodes []*cdp.Node
	if err := e.page.do(ctx, chromedpActionTimeout, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.FromNode(e.node), chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &chromedpElement{page: e.page, node: nodes[0]}, nil
}

func (e *chromedpElement) Click(ctx context.Context) error {
	return e.page.do(ctx, chromedpActionTimeout, chromedp.Click([]cdp.NodeID{e.node.NodeID}, chromedp.ByNodeID))
}

func keyInput(key string) string {
	switch key {
	case "Enter":
		return kb.Enter
	case "Tab":
		return kb.Tab
	case "Escape":
		return kb.Escape
	default:
		return key
	}
}
