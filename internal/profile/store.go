package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/patrickjm/shopwalk/internal/browser"
)

// Profile is a named set of browser launch settings. Its directory also holds
// the storage state (cookies, local storage) saved at the end of each run.
type Profile struct {
	Name      string    `json:"name"`
	Engine    string    `json:"engine"`
	Browser   string    `json:"browser"`
	Channel   string    `json:"channel"`
	Headless  bool      `json:"headless"`
	SlowMoMS  int64     `json:"slow_mo_ms"`
	Width     int       `json:"viewport_width"`
	Height    int       `json:"viewport_height"`
	TTL       int64     `json:"ttl_seconds"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Runs      int       `json:"runs"`
	LastRun   *RunNote  `json:"last_run,omitempty"`
}

// RunNote is the short summary of the most recent run kept with a profile.
type RunNote struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	Product  string    `json:"product,omitempty"`
	Boundary string    `json:"boundary,omitempty"`
	At       time.Time `json:"at"`
}

type Store struct {
	Root       string
	DefaultTTL time.Duration

	// Engine and SlowMo seed new profiles; existing ones keep what they saved.
	Engine string
	SlowMo time.Duration
}

func (s Store) EnsureDir() error {
	return os.MkdirAll(s.Root, 0o755)
}

func (s Store) ProfileDir(name string) string {
	return filepath.Join(s.Root, sanitizeName(name))
}

func (s Store) ProfilePath(name string) string {
	return filepath.Join(s.ProfileDir(name), "profile.json")
}

func (s Store) StorageStatePath(name string) string {
	return filepath.Join(s.ProfileDir(name), "storage.json")
}

// UserDataDir is the browser's own profile directory, used by engines that
// persist state on disk rather than through a storage state file.
func (s Store) UserDataDir(name string) string {
	return filepath.Join(s.ProfileDir(name), "user-data")
}

func (s Store) Load(name string) (Profile, error) {
	path := s.ProfilePath(name)
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return Profile{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}

func (s Store) Save(p Profile) error {
	if err := s.EnsureDir(); err != nil {
		return err
	}
	p.Name = sanitizeName(p.Name)
	if p.Name == "" {
		return errors.New("profile name required")
	}
	if err := os.MkdirAll(s.ProfileDir(p.Name), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.ProfilePath(p.Name), b, 0o644)
}

func (s Store) List() ([]Profile, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	profiles := make([]Profile, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Name < profiles[j].Name
	})
	return profiles, nil
}

func (s Store) Remove(name string) error {
	if sanitizeName(name) == "" {
		return errors.New("profile name required")
	}
	return os.RemoveAll(s.ProfileDir(name))
}

// Upsert loads the named profile, creating it with headed defaults when it
// does not exist, and applies overrides. The bool reports creation.
func (s Store) Upsert(name string, overrides Overrides) (Profile, bool, error) {
	name = sanitizeName(name)
	if name == "" {
		return Profile{}, false, errors.New("profile name required")
	}
	p, err := s.Load(name)
	if err != nil {
		if !os.IsNotExist(err) {
			return Profile{}, false, err
		}
		now := time.Now().UTC()
		engine := s.Engine
		if engine == "" {
			engine = "playwright"
		}
		p = Profile{
			Name:      name,
			Engine:    engine,
			Browser:   "chromium",
			Headless:  false,
			SlowMoMS:  s.SlowMo.Milliseconds(),
			Width:     1366,
			Height:    768,
			TTL:       int64(s.DefaultTTL.Seconds()),
			CreatedAt: now,
			LastUsed:  now,
		}
		applyOverrides(&p, overrides)
		if err := s.Save(p); err != nil {
			return Profile{}, false, err
		}
		return p, true, nil
	}
	if applyOverrides(&p, overrides) {
		if err := s.Save(p); err != nil {
			return Profile{}, false, err
		}
	}
	return p, false, nil
}

// Record notes a finished run on the profile and bumps LastUsed.
func (s Store) Record(name string, note RunNote) (Profile, error) {
	p, err := s.Load(name)
	if err != nil {
		return Profile{}, err
	}
	p.LastUsed = time.Now().UTC()
	p.Runs++
	p.LastRun = &note
	return p, s.Save(p)
}

func (s Store) IsExpired(p Profile) bool {
	if p.TTL <= 0 {
		return false
	}
	deadline := p.LastUsed.Add(time.Duration(p.TTL) * time.Second)
	return time.Now().UTC().After(deadline)
}

func (s Store) Prune() ([]Profile, error) {
	return s.prune(false)
}

// Expired lists what Prune would remove without removing it.
func (s Store) Expired() ([]Profile, error) {
	return s.prune(true)
}

func (s Store) prune(dryRun bool) ([]Profile, error) {
	profiles, err := s.List()
	if err != nil {
		return nil, err
	}
	removed := make([]Profile, 0)
	for _, p := range profiles {
		if !s.IsExpired(p) {
			continue
		}
		if !dryRun {
			if err := s.Remove(p.Name); err != nil {
				return removed, err
			}
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// StartOptions turns the profile into browser launch settings. Storage state
// is only passed when a previous run saved one.
func (s Store) StartOptions(p Profile) browser.StartOptions {
	opts := browser.StartOptions{
		Browser:  p.Browser,
		Channel:  p.Channel,
		Headless: p.Headless,
		SlowMo:   time.Duration(p.SlowMoMS) * time.Millisecond,
		Viewport: browser.Viewport{Width: p.Width, Height: p.Height},
		UserData: s.UserDataDir(p.Name),
	}
	if _, err := os.Stat(s.StorageStatePath(p.Name)); err == nil {
		opts.StorageIn = s.StorageStatePath(p.Name)
	}
	return opts
}

type Overrides struct {
	Engine   string
	Browser  string
	Channel  string
	Headless *bool
	SlowMo   *time.Duration
	TTL      *time.Duration
}

// ApplyTo changes p in memory only. It reports whether anything changed.
func (o Overrides) ApplyTo(p *Profile) bool {
	return applyOverrides(p, o)
}

// Merge returns o with every field that top sets replaced by top's value.
func (o Overrides) Merge(top Overrides) Overrides {
	if top.Engine != "" {
		o.Engine = top.Engine
	}
	if top.Browser != "" {
		o.Browser = top.Browser
	}
	if top.Channel != "" {
		o.Channel = top.Channel
	}
	if top.Headless != nil {
		o.Headless = top.Headless
	}
	if top.SlowMo != nil {
		o.SlowMo = top.SlowMo
	}
	if top.TTL != nil {
		o.TTL = top.TTL
	}
	return o
}

func applyOverrides(p *Profile, overrides Overrides) bool {
	updated := false
	if overrides.Engine != "" && overrides.Engine != p.Engine {
		p.Engine = overrides.Engine
		updated = true
	}
	if overrides.Browser != "" {
		p.Browser = overrides.Browser
		updated = true
	}
	if overrides.Channel != "" {
		p.Channel = overrides.Channel
		updated = true
	}
	if overrides.Headless != nil {
		p.Headless = *overrides.Headless
		updated = true
	}
	if overrides.SlowMo != nil {
		p.SlowMoMS = overrides.SlowMo.Milliseconds()
		updated = true
	}
	if overrides.TTL != nil {
		p.TTL = int64(overrides.TTL.Seconds())
		updated = true
	}
	return updated
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	return name
}

func FormatTTL(seconds int64) string {
	if seconds <= 0 {
		return "never"
	}
	return time.Duration(seconds * int64(time.Second)).String()
}

func (p Profile) String() string {
	mode := "headed"
	if p.Headless {
		mode = "headless"
	}
	return fmt.Sprintf("%s (engine=%s browser=%s %s %dx%d slow-mo=%dms)", p.Name, p.Engine, p.Browser, mode, p.Width, p.Height, p.SlowMoMS)
}
