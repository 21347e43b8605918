package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/patrickjm/shopwalk/internal/checkout"
	"github.com/patrickjm/shopwalk/internal/profile"
)

type Config struct {
	ProfileDir string
	DefaultTTL time.Duration
	Engine     string
	Query      string
	Brands     []string
	Identifier string
	SlowMo     time.Duration
	Timeouts   checkout.Timeouts
	Site       checkout.Site

	// engineSet and slowMoSet record a value from a file or the environment,
	// as opposed to the built-in default.
	engineSet bool
	slowMoSet bool
}

// ProfileOverrides returns the launch settings a config file or the
// environment set explicitly. They apply to every run, over what the profile
// saved, and are not written back to it.
func (c Config) ProfileOverrides() profile.Overrides {
	var o profile.Overrides
	if c.engineSet {
		o.Engine = c.Engine
	}
	if c.slowMoSet {
		slowMo := c.SlowMo
		o.SlowMo = &slowMo
	}
	return o
}

type rawConfig struct {
	ProfileDir string        `toml:"profile_dir"`
	DefaultTTL string        `toml:"default_ttl"`
	Engine     string        `toml:"engine"`
	StartURL   string        `toml:"start_url"`
	Query      string        `toml:"query"`
	Brands     []string      `toml:"brands"`
	Identifier string        `toml:"identifier"`
	SlowMo     string        `toml:"slow_mo"`
	Timeouts   rawTimeouts   `toml:"timeouts"`
	Site       checkout.Site `toml:"site"`
}

type rawTimeouts struct {
	Page        string `toml:"page"`
	Results     string `toml:"results"`
	ProductLoad string `toml:"product_load"`
	Product     string `toml:"product"`
	SignIn      string `toml:"sign_in"`
	Boundary    string `toml:"boundary"`
	NewTab      string `toml:"new_tab"`
	Settle      string `toml:"settle"`
	IdleQuiet   string `toml:"idle_quiet"`
	OverlayIdle string `toml:"overlay_idle"`
}

var systemPaths = []string{
	"/opt/homebrew/etc/shopwalk/config.toml",
	"/usr/local/etc/shopwalk/config.toml",
}

func Default() Config {
	return Config{
		ProfileDir: defaultProfileDir(),
		DefaultTTL: 14 * 24 * time.Hour,
		Engine:     "playwright",
		Query:      "boat headphones",
		Brands:     []string{"boAt"},
		SlowMo:     100 * time.Millisecond,
		Timeouts:   checkout.DefaultTimeouts(),
		Site:       checkout.AmazonIN(),
	}
}

// Load layers the first system config found, then the file at path (if
// any), then SHOPWALK_* environment variables, then the overrides.
func Load(path string, profileDirOverride string, defaultTTLOverride string) (Config, error) {
	cfg := Default()

	if err := loadSystemConfig(&cfg); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(path) != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("SHOPWALK_PROFILE_DIR")); v != "" {
		cfg.ProfileDir = v
	}
	if err := setDuration(&cfg.DefaultTTL, "SHOPWALK_DEFAULT_TTL", os.Getenv("SHOPWALK_DEFAULT_TTL")); err != nil {
		return Config{}, err
	}
	if v := strings.TrimSpace(os.Getenv("SHOPWALK_ENGINE")); v != "" {
		cfg.Engine = v
		cfg.engineSet = true
	}
	if v := strings.TrimSpace(os.Getenv("SHOPWALK_SLOW_MO")); v != "" {
		if err := setDuration(&cfg.SlowMo, "SHOPWALK_SLOW_MO", v); err != nil {
			return Config{}, err
		}
		cfg.slowMoSet = true
	}
	if v := strings.TrimSpace(os.Getenv("SHOPWALK_START_URL")); v != "" {
		cfg.Site.StartURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SHOPWALK_IDENTIFIER")); v != "" {
		cfg.Identifier = v
	}
	if err := setDuration(&cfg.DefaultTTL, "default ttl", defaultTTLOverride); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(profileDirOverride) != "" {
		cfg.ProfileDir = profileDirOverride
	}

	return cfg, nil
}

func loadSystemConfig(cfg *Config) error {
	for _, path := range systemPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return loadFile(cfg, path)
	}
	return nil
}

func loadFile(cfg *Config, path string) error {
	var raw rawConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := raw.apply(cfg); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func (raw rawConfig) apply(cfg *Config) error {
	if raw.ProfileDir != "" {
		cfg.ProfileDir = raw.ProfileDir
	}
	if err := setDuration(&cfg.DefaultTTL, "default_ttl", raw.DefaultTTL); err != nil {
		return err
	}
	if raw.Engine != "" {
		cfg.Engine = raw.Engine
		cfg.engineSet = true
	}
	if raw.Query != "" {
		cfg.Query = raw.Query
	}
	if len(raw.Brands) > 0 {
		cfg.Brands = raw.Brands
	}
	if raw.Identifier != "" {
		cfg.Identifier = raw.Identifier
	}
	if err := setDuration(&cfg.SlowMo, "slow_mo", raw.SlowMo); err != nil {
		return err
	}
	if strings.TrimSpace(raw.SlowMo) != "" {
		cfg.slowMoSet = true
	}

	t := &cfg.Timeouts
	for _, f := range []struct {
		dst  *time.Duration
		name string
		val  string
	}{
		{&t.Page, "timeouts.page", raw.Timeouts.Page},
		{&t.Results, "timeouts.results", raw.Timeouts.Results},
		{&t.ProductLoad, "timeouts.product_load", raw.Timeouts.ProductLoad},
		{&t.Product, "timeouts.product", raw.Timeouts.Product},
		{&t.SignIn, "timeouts.sign_in", raw.Timeouts.SignIn},
		{&t.Boundary, "timeouts.boundary", raw.Timeouts.Boundary},
		{&t.NewTab, "timeouts.new_tab", raw.Timeouts.NewTab},
		{&t.Settle, "timeouts.settle", raw.Timeouts.Settle},
		{&t.IdleQuiet, "timeouts.idle_quiet", raw.Timeouts.IdleQuiet},
		{&t.OverlayIdle, "timeouts.overlay_idle", raw.Timeouts.OverlayIdle},
	} {
		if err := setDuration(f.dst, f.name, f.val); err != nil {
			return err
		}
	}

	if raw.StartURL != "" {
		raw.Site.StartURL = raw.StartURL
	}
	cfg.Site = raw.Site.Merge(cfg.Site)
	return nil
}

func setDuration(dst *time.Duration, name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: negative duration %s", name, value)
	}
	*dst = d
	return nil
}

func defaultProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/shopwalk"
	}
	userDefault := ""
	if runtime.GOOS == "darwin" {
		userDefault = filepath.Join(home, "Library", "Application Support", "shopwalk")
	} else {
		if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
			userDefault = filepath.Join(xdg, "shopwalk")
		} else {
			userDefault = filepath.Join(home, ".local", "share", "shopwalk")
		}
	}
	if isWritableDir("/opt/homebrew/var") {
		return "/opt/homebrew/var/shopwalk"
	}
	if isWritableDir("/usr/local/var") {
		return "/usr/local/var/shopwalk"
	}
	return userDefault
}

func isWritableDir(path string) bool {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false
	}
	testFile := filepath.Join(path, ".shopwalk-writetest")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return false
	}
	_ = os.Remove(testFile)
	return true
}
