package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreUpsertLoad(t *testing.T) {
	dir := t.TempDir()
	store := Store{Root: dir, DefaultTTL: time.Hour, SlowMo: 100 * time.Millisecond}
	p, created, err := store.Upsert("Checkout Run", Overrides{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatalf("expected created")
	}
	if p.Name != "checkout-run" {
		t.Fatalf("expected sanitized name, got %s", p.Name)
	}
	if p.Headless {
		t.Fatalf("new profiles should be headed")
	}
	if p.Width != 1366 || p.Height != 768 || p.SlowMoMS != 100 {
		t.Fatalf("unexpected launch defaults: %+v", p)
	}
	loaded, err := store.Load("checkout-run")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Engine != "playwright" {
		t.Fatalf("load engine: %s", loaded.Engine)
	}
	if _, err := store.Load("missing"); err == nil {
		t.Fatalf("expected error for missing profile")
	}
	if path := store.ProfilePath("checkout-run"); filepath.Base(path) != "profile.json" {
		t.Fatalf("unexpected profile path: %s", path)
	}
}

func TestStoreUpsertOverrides(t *testing.T) {
	store := Store{Root: t.TempDir(), DefaultTTL: time.Hour}
	if _, _, err := store.Upsert("ci", Overrides{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	headless := true
	slow := time.Duration(0)
	p, created, err := store.Upsert("ci", Overrides{Engine: "chromedp", Headless: &headless, SlowMo: &slow})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created {
		t.Fatalf("expected existing profile")
	}
	if p.Engine != "chromedp" || !p.Headless || p.SlowMoMS != 0 {
		t.Fatalf("overrides not applied: %+v", p)
	}
	loaded, _ := store.Load("ci")
	if loaded.Engine != "chromedp" {
		t.Fatalf("overrides not saved: %+v", loaded)
	}
}

func TestStoreStartOptions(t *testing.T) {
	store := Store{Root: t.TempDir(), DefaultTTL: time.Hour, SlowMo: 100 * time.Millisecond}
	p, _, err := store.Upsert("default", Overrides{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	opts := store.StartOptions(p)
	if opts.StorageIn != "" {
		t.Fatalf("no storage state saved yet, got %q", opts.StorageIn)
	}
	if opts.SlowMo != 100*time.Millisecond || opts.Viewport.Width != 1366 {
		t.Fatalf("unexpected start options: %+v", opts)
	}
	if err := os.WriteFile(store.StorageStatePath("default"), []byte(`{"cookies":[]}`), 0o644); err != nil {
		t.Fatalf("write storage: %v", err)
	}
	if opts := store.StartOptions(p); opts.StorageIn != store.StorageStatePath("default") {
		t.Fatalf("expected storage state to be reused, got %q", opts.StorageIn)
	}
}

func TestStoreRecord(t *testing.T) {
	store := Store{Root: t.TempDir(), DefaultTTL: time.Hour}
	if _, _, err := store.Upsert("default", Overrides{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p, err := store.Record("default", RunNote{ID: "01J0", Status: "succeeded", Boundary: "password", At: time.Now()})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if p.Runs != 1 || p.LastRun == nil || p.LastRun.Boundary != "password" {
		t.Fatalf("run not recorded: %+v", p)
	}
}

func TestStoreExpiry(t *testing.T) {
	dir := t.TempDir()
	store := Store{Root: dir, DefaultTTL: time.Second}
	p, _, err := store.Upsert("expiring", Overrides{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.LastUsed = time.Now().Add(-2 * time.Second)
	if err := store.Save(p); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load("expiring")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !store.IsExpired(loaded) {
		t.Fatalf("expected expired")
	}
	pending, err := store.Expired()
	if err != nil || len(pending) != 1 {
		t.Fatalf("dry run: %v %d", err, len(pending))
	}
	if _, err := store.Load("expiring"); err != nil {
		t.Fatalf("dry run removed profile: %v", err)
	}
	removed, err := store.Prune()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("expected 1 removed, got %d", len(removed))
	}
}
