package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// FakeEngine serves HTML fixtures from Site instead of launching a browser.
// Pages keep a goquery document, so selectors behave like CSS in a real page.
//
// Click semantics on fake elements:
//   - data-dismiss="SEL" removes every node matching SEL
//   - <a target="_blank" href=URL> opens a tab at URL, seen only by ExpectNewPage
//   - <a href=URL> navigates the page to URL
type FakeEngine struct {
	Site    map[string]string
	Session *FakeSession
}

func (f *FakeEngine) Start(ctx context.Context, opts StartOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Session == nil {
		f.Session = &FakeSession{Site: f.Site}
	}
	f.Session.Opts = opts
	return f.Session, nil
}

type FakeSession struct {
	Site        map[string]string
	Opts        StartOptions
	Pages       []*FakePage
	Closed      bool
	StoragePath string

	// OnPress is copied into every page the session opens.
	OnPress map[string]string
}

func (s *FakeSession) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.open(""), nil
}

func (s *FakeSession) open(url string) *FakePage {
	page := NewFakePage(s.Site, url)
	page.OnPress = s.OnPress
	page.session = s
	s.Pages = append(s.Pages, page)
	return page
}

func (s *FakeSession) Close() error {
	s.Closed = true
	return nil
}

func (s *FakeSession) StorageState(path string) error {
	s.StoragePath = path
	return nil
}

type FakePage struct {
	Site       map[string]string
	URLValue   string
	Visits     []string
	Clicks     []string
	Fills      []string
	Presses    []string
	OnPress    map[string]string
	NoPopups   bool
	LoadErr    error
	QueryErr   error
	ClickErr   error
	Closed     bool
	WaitCalls  []string
	IdleWaits  int
	session    *FakeSession
	doc        *goquery.Document
	armed      bool
	popup      *FakePage
	lostPopups int
}

func NewFakePage(site map[string]string, url string) *FakePage {
	p := &FakePage{Site: site}
	p.load(url)
	return p
}

// SetHTML replaces the current document.
func (p *FakePage) SetHTML(html string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader(""))
	}
	p.doc = doc
}

func (p *FakePage) HTML() string {
	out, _ := p.doc.Html()
	return out
}

// LostPopups counts tabs opened while nothing was listening.
func (p *FakePage) LostPopups() int {
	return p.lostPopups
}

func (p *FakePage) load(url string) {
	p.URLValue = url
	if url != "" {
		p.Visits = append(p.Visits, url)
	}
	p.SetHTML(p.Site[url])
}

func (p *FakePage) Goto(ctx context.Context, url string) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	if _, ok := p.Site[url]; !ok {
		return fmt.Errorf("navigate %s: net::ERR_NAME_NOT_RESOLVED", url)
	}
	p.load(url)
	return nil
}

func (p *FakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	p.WaitCalls = append(p.WaitCalls, selector)
	if p.doc.Find(selector).Length() > 0 {
		return nil
	}
	return fmt.Errorf("%w: waiting for %q", ErrTimeout, selector)
}

func (p *FakePage) WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	p.WaitCalls = append(p.WaitCalls, "load:"+string(state))
	return p.LoadErr
}

func (p *FakePage) WaitForNetworkIdle(ctx context.Context, quiet time.Duration, timeout time.Duration) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	p.IdleWaits++
	return nil
}

func (p *FakePage) Query(ctx context.Context, selector string) (Element, error) {
	if err := p.usable(ctx); err != nil {
		return nil, err
	}
	if p.QueryErr != nil {
		return nil, p.QueryErr
	}
	sel := p.doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, nil
	}
	return &fakeElement{page: p, sel: sel}, nil
}

func (p *FakePage) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	if err := p.usable(ctx); err != nil {
		return nil, err
	}
	if p.QueryErr != nil {
		return nil, p.QueryErr
	}
	var elements []Element
	p.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		elements = append(elements, &fakeElement{page: p, sel: s})
	})
	return elements, nil
}

func (p *FakePage) Fill(ctx context.Context, selector string, value string) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	if p.doc.Find(selector).Length() == 0 {
		return fmt.Errorf("fill: no element matches %q", selector)
	}
	p.Fills = append(p.Fills, selector+"="+value)
	return nil
}

func (p *FakePage) Press(ctx context.Context, selector string, key string) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	if p.doc.Find(selector).Length() == 0 {
		return fmt.Errorf("press: no element matches %q", selector)
	}
	p.Presses = append(p.Presses, selector+"="+key)
	if url, ok := p.OnPress[selector+"="+key]; ok {
		p.load(url)
	}
	return nil
}

func (p *FakePage) ExpectNewPage(ctx context.Context, trigger func() error, timeout time.Duration) (Page, error) {
	if err := p.usable(ctx); err != nil {
		return nil, err
	}
	p.armed = true
	p.popup = nil
	err := trigger()
	p.armed = false
	if err != nil {
		return nil, err
	}
	if p.popup == nil {
		return nil, fmt.Errorf("%w: no new tab within %s", ErrTimeout, timeout)
	}
	popup := p.popup
	p.popup = nil
	return popup, nil
}

func (p *FakePage) URL() (string, error) {
	return p.URLValue, nil
}

func (p *FakePage) Title() (string, error) {
	return strings.TrimSpace(p.doc.Find("title").First().Text()), nil
}

func (p *FakePage) Close() error {
	p.Closed = true
	return nil
}

func (p *FakePage) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Closed {
		return ErrClosed
	}
	return nil
}

func (p *FakePage) click(s *goquery.Selection) error {
	if p.ClickErr != nil {
		return p.ClickErr
	}
	p.Clicks = append(p.Clicks, describe(s))
	if target, ok := s.Attr("data-dismiss"); ok {
		p.doc.Find(target).Remove()
		return nil
	}
	href, ok := s.Attr("href")
	if !ok || goquery.NodeName(s) != "a" {
		return nil
	}
	if t, _ := s.Attr("target"); t == "_blank" {
		if p.NoPopups {
			return nil
		}
		if !p.armed {
			p.lostPopups++
			return nil
		}
		if p.session != nil {
			p.popup = p.session.open(href)
		} else {
			p.popup = NewFakePage(p.Site, href)
		}
		return nil
	}
	p.load(href)
	return nil
}

func describe(s *goquery.Selection) string {
	if id, ok := s.Attr("id"); ok && id != "" {
		return "#" + id
	}
	if href, ok := s.Attr("href"); ok {
		return href
	}
	return goquery.NodeName(s)
}

type fakeElement struct {
	page *FakePage
	sel  *goquery.Selection
}

func (e *fakeElement) Text(ctx context.Context) (string, error) {
	if err := e.page.usable(ctx); err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(e.sel.Text()), " "), nil
}

func (e *fakeElement) Attr(ctx context.Context, name string) (string, error) {
	if err := e.page.usable(ctx); err != nil {
		return "", err
	}
	value, _ := e.sel.Attr(name)
	return value, nil
}

func (e *fakeElement) Query(ctx context.Context, selector string) (Element, error) {
	if err := e.page.usable(ctx); err != nil {
		return nil, err
	}
	sel := e.sel.Find(selector).First()
	if sel.Length() == 0 {
		return nil, nil
	}
	return &fakeElement{page: e.page, sel: sel}, nil
}

func (e *fakeElement) Click(ctx context.Context) error {
	if err := e.page.usable(ctx); err != nil {
		return err
	}
	if len(e.sel.Nodes) == 0 || e.sel.Nodes[0].Parent == nil {
		return errors.New("click: element is detached")
	}
	return e.page.click(e.sel)
}
