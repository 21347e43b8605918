package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by the wait primitives when their deadline passes.
	ErrTimeout = errors.New("browser: timeout")
	ErrClosed  = errors.New("browser: page closed")
)

type LoadState string

const (
	LoadStateLoad             LoadState = "load"
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
)

type StartOptions struct {
	Browser   string
	Channel   string
	Headless  bool
	SlowMo    time.Duration
	Viewport  Viewport
	StorageIn string
	UserData  string
}

type Viewport struct {
	Width  int
	Height int
}

type Engine interface {
	Start(ctx context.Context, opts StartOptions) (Session, error)
}

type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
	StorageState(path string) error
}

// Page is one browsing context. Methods taking a timeout also stop early when
// ctx is done.
type Page interface {
	Goto(ctx context.Context, url string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error
	WaitForNetworkIdle(ctx context.Context, quiet time.Duration, timeout time.Duration) error
	// Query returns nil, nil when nothing matches.
	Query(ctx context.Context, selector string) (Element, error)
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	Fill(ctx context.Context, selector string, value string) error
	Press(ctx context.Context, selector string, key string) error
	// ExpectNewPage starts listening for a tab opened by this page, then runs
	// trigger. An error from trigger is returned as is.
	ExpectNewPage(ctx context.Context, trigger func() error, timeout time.Duration) (Page, error)
	URL() (string, error)
	Title() (string, error)
	Close() error
}

type Element interface {
	Text(ctx context.Context) (string, error)
	Attr(ctx context.Context, name string) (string, error)
	Query(ctx context.Context, selector string) (Element, error)
	Click(ctx context.Context) error
}

// Budget returns the smaller of timeout and the time left before ctx's
// deadline. A non-positive result means there is no time left.
func Budget(ctx context.Context, timeout time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			return left
		}
	}
	return timeout
}
