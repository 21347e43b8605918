package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/patrickjm/shopwalk/internal/browser"
	"github.com/patrickjm/shopwalk/internal/checkout"
	"github.com/patrickjm/shopwalk/internal/config"
	"github.com/patrickjm/shopwalk/internal/profile"
)

type GlobalFlags struct {
	Profile    string
	ProfileDir string
	Config     string
	JSON       bool
	Quiet      bool
	Verbose    bool
	Save       bool
	Browser    string
	Channel    string
	Headless   bool
	Headed     bool
	TTL        string
}

type App struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
	// Engines resolves an engine name; nil uses the real browser drivers.
	Engines func(name string) (browser.Engine, error)
}

const defaultProfile = "default"

func (a App) prepare(flags GlobalFlags) (config.Config, profile.Store, error) {
	cfg, err := config.Load(flags.Config, flags.ProfileDir, "")
	if err != nil {
		return config.Config{}, profile.Store{}, err
	}
	store := profile.Store{
		Root:       cfg.ProfileDir,
		DefaultTTL: cfg.DefaultTTL,
		Engine:     cfg.Engine,
		SlowMo:     cfg.SlowMo,
	}
	if err := store.EnsureDir(); err != nil {
		return config.Config{}, profile.Store{}, err
	}
	return cfg, store, nil
}

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitUsage     = 2
	exitNotFound  = 3
	exitNoProduct = exitNotFound
)

func (a App) engine(name string) (browser.Engine, error) {
	if a.Engines != nil {
		return a.Engines(name)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "playwright":
		return browser.PlaywrightEngine{}, nil
	case "chromedp", "cdp":
		return browser.ChromedpEngine{ExecPath: os.Getenv("SHOPWALK_CHROME_PATH")}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q (want playwright or chromedp)", name)
	}
}

func (a App) runSteps(cfg config.Config, flags GlobalFlags) int {
	type gateView struct {
		Condition string `json:"condition"`
		Kind      string `json:"kind"`
		Detail    string `json:"detail"`
		Timeout   string `json:"timeout"`
	}
	type stepView struct {
		Name   string     `json:"name"`
		Policy string     `json:"policy"`
		Ready  []gateView `json:"ready,omitempty"`
		Post   []gateView `json:"post,omitempty"`
	}
	flow := checkout.New(checkout.Options{Site: cfg.Site, Timeouts: cfg.Timeouts})
	var steps []stepView
	for _, s := range flow.Plan() {
		v := stepView{Name: s.Name, Policy: s.Policy.String()}
		for _, g := range s.Ready {
			v.Ready = append(v.Ready, gateView{Condition: g.Cond.String(), Kind: g.Cond.Kind.String(), Detail: g.Cond.Detail(), Timeout: g.Timeout.String()})
		}
		for _, g := range s.Post {
			v.Post = append(v.Post, gateView{Condition: g.Cond.String(), Kind: g.Cond.Kind.String(), Detail: g.Cond.Detail(), Timeout: g.Timeout.String()})
		}
		steps = append(steps, v)
	}
	if flags.JSON {
		b, _ := json.MarshalIndent(steps, "", "  ")
		fmt.Fprintln(a.Out, string(b))
		return exitSuccess
	}
	for i, s := range steps {
		fmt.Fprintf(a.Out, "%d. %s (%s)\n", i+1, s.Name, s.Policy)
		for _, g := range s.Ready {
			fmt.Fprintf(a.Out, "   before: %s [%s, %s]\n", g.Condition, g.Detail, g.Timeout)
		}
		for _, g := range s.Post {
			fmt.Fprintf(a.Out, "   after:  %s [%s, %s]\n", g.Condition, g.Detail, g.Timeout)
		}
	}
	return exitSuccess
}

func (a App) runInstall(flags GlobalFlags) int {
	browsers := []string{}
	if flags.Browser != "" {
		browsers = append(browsers, flags.Browser)
	}
	opts := &playwright.RunOptions{}
	if len(browsers) > 0 {
		opts.Browsers = browsers
	}
	if err := playwright.Install(opts); err != nil {
		fmt.Fprintln(a.Err, err)
		return exitFailure
	}
	if !flags.Quiet {
		if len(browsers) == 0 {
			fmt.Fprintln(a.Out, "Playwright installed")
		} else {
			fmt.Fprintf(a.Out, "Playwright installed: %s\n", strings.Join(browsers, ", "))
		}
	}
	return exitSuccess
}

func (a App) runDoctor(cfg config.Config, flags GlobalFlags) int {
	type result struct {
		ProfileDirWritable bool   `json:"profile_dir_writable"`
		ProfileDir         string `json:"profile_dir"`
		Engine             string `json:"engine"`
		PlaywrightOK       bool   `json:"playwright_ok"`
		BrowsersPath       string `json:"browsers_path"`
		StartURL           string `json:"start_url"`
		IdentifierSet      bool   `json:"identifier_set"`
	}
	res := result{
		ProfileDir:    cfg.ProfileDir,
		Engine:        cfg.Engine,
		BrowsersPath:  os.Getenv("PLAYWRIGHT_BROWSERS_PATH"),
		StartURL:      cfg.Site.StartURL,
		IdentifierSet: cfg.Identifier != "",
	}
	if err := os.MkdirAll(cfg.ProfileDir, 0o755); err == nil {
		res.ProfileDirWritable = true
	}
	if pw, err := playwright.Run(); err == nil {
		res.PlaywrightOK = true
		pw.Stop()
	}
	if flags.JSON {
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(a.Out, string(b))
		return exitSuccess
	}
	fmt.Fprintf(a.Out, "profile_dir=%s\n", res.ProfileDir)
	fmt.Fprintf(a.Out, "profile_dir_writable=%t\n", res.ProfileDirWritable)
	fmt.Fprintf(a.Out, "engine=%s\n", res.Engine)
	fmt.Fprintf(a.Out, "playwright_ok=%t\n", res.PlaywrightOK)
	if res.BrowsersPath != "" {
		fmt.Fprintf(a.Out, "browsers_path=%s\n", res.BrowsersPath)
	}
	fmt.Fprintf(a.Out, "start_url=%s\n", res.StartURL)
	fmt.Fprintf(a.Out, "identifier_set=%t\n", res.IdentifierSet)
	return exitSuccess
}

func (a App) runList(store profile.Store, flags GlobalFlags) int {
	profiles, err := store.List()
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitFailure
	}
	if flags.JSON {
		b, _ := json.MarshalIndent(profiles, "", "  ")
		fmt.Fprintln(a.Out, string(b))
		return exitSuccess
	}
	for _, p := range profiles {
		fmt.Fprintf(a.Out, "%s runs=%d last_used=%s ttl=%s\n", p.Name, p.Runs, p.LastUsed.Format(time.RFC3339), profile.FormatTTL(p.TTL))
	}
	return exitSuccess
}

func (a App) runShow(store profile.Store, flags GlobalFlags, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(a.Err, "profile name required")
		return exitUsage
	}
	p, err := store.Load(args[0])
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitNotFound
	}
	if flags.JSON {
		b, _ := json.MarshalIndent(p, "", "  ")
		fmt.Fprintln(a.Out, string(b))
		return exitSuccess
	}
	fmt.Fprintf(a.Out, "name=%s\n", p.Name)
	fmt.Fprintf(a.Out, "engine=%s browser=%s channel=%s\n", p.Engine, p.Browser, p.Channel)
	fmt.Fprintf(a.Out, "headless=%t slow_mo=%dms viewport=%dx%d\n", p.Headless, p.SlowMoMS, p.Width, p.Height)
	fmt.Fprintf(a.Out, "created_at=%s\n", p.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(a.Out, "last_used=%s\n", p.LastUsed.Format(time.RFC3339))
	fmt.Fprintf(a.Out, "ttl=%s\n", profile.FormatTTL(p.TTL))
	fmt.Fprintf(a.Out, "runs=%d\n", p.Runs)
	if p.LastRun != nil {
		fmt.Fprintf(a.Out, "last_run=%s status=%s boundary=%s\n", p.LastRun.ID, p.LastRun.Status, p.LastRun.Boundary)
	}
	return exitSuccess
}

func (a App) runRemove(store profile.Store, flags GlobalFlags, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(a.Err, "profile name required")
		return exitUsage
	}
	for _, name := range args {
		if _, err := store.Load(name); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(a.Err, "no profile named %s\n", name)
				return exitNotFound
			}
			fmt.Fprintln(a.Err, err)
			return exitFailure
		}
		if err := store.Remove(name); err != nil {
			fmt.Fprintln(a.Err, err)
			return exitFailure
		}
		if !flags.Quiet {
			fmt.Fprintf(a.Out, "removed %s\n", name)
		}
	}
	return exitSuccess
}

func (a App) runPrune(store profile.Store, flags GlobalFlags, dryRun bool) int {
	var (
		removed []profile.Profile
		err     error
	)
	if dryRun {
		removed, err = store.Expired()
	} else {
		removed, err = store.Prune()
	}
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitFailure
	}
	if flags.JSON {
		b, _ := json.MarshalIndent(removed, "", "  ")
		fmt.Fprintln(a.Out, string(b))
		return exitSuccess
	}
	verb := "pruned"
	if dryRun {
		verb = "would prune"
	}
	for _, p := range removed {
		fmt.Fprintf(a.Out, "%s %s\n", verb, p.Name)
	}
	return exitSuccess
}

func overridesFromFlags(flags GlobalFlags, run RunFlags) (profile.Overrides, error) {
	var overrides profile.Overrides
	if flags.Browser != "" {
		overrides.Browser = flags.Browser
	}
	if flags.Channel != "" {
		overrides.Channel = flags.Channel
	}
	if run.Engine != "" {
		overrides.Engine = run.Engine
	}
	if flags.Headless && flags.Headed {
		return overrides, errors.New("cannot set both --headless and --headed")
	}
	if flags.Headless {
		headless := true
		overrides.Headless = &headless
	}
	if flags.Headed {
		headless := false
		overrides.Headless = &headless
	}
	if flags.TTL != "" {
		d, err := time.ParseDuration(flags.TTL)
		if err != nil {
			return overrides, fmt.Errorf("invalid ttl: %w", err)
		}
		overrides.TTL = &d
	}
	if run.SlowMo != "" {
		d, err := time.ParseDuration(run.SlowMo)
		if err != nil {
			return overrides, fmt.Errorf("invalid slow-mo: %w", err)
		}
		if d < 0 {
			return overrides, errors.New("invalid slow-mo: must not be negative")
		}
		overrides.SlowMo = &d
	}
	return overrides, nil
}
