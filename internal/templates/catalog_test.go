package templates

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	for _, key := range []string{TextStopReply, TextStartReply, TextUnknownReply} {
		if c.Text(key) == "" {
			t.Errorf("expected default text for %s", key)
		}
	}

	seeds := c.Seeds()
	if len(seeds) == 0 {
		t.Fatal("expected default seeds")
	}
	if seeds[0].Delta() == nil || *seeds[0].Delta() != 21*24*time.Hour {
		t.Errorf("expected invitation seed delta of 21 days")
	}
}

func TestLoadCatalog_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "01-texts.json", `{"texts": {"reply.stop": "Bye!"}}`)
	writeFile(t, dir, "02-templates.json", `{
		"templates": [
			{"friendly_name": "reminder", "title": "Reminder", "text": "See you {name}", "send_delta": "72h"},
			{"friendly_name": "thanks", "title": "Thanks", "text": "Thanks {name}", "send_threshold": "12h"}
		]
	}`)
	writeFile(t, dir, "ignored.txt", `not json`)

	c, err := LoadCatalog(dir)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	if got := c.Text(TextStopReply); got != "Bye!" {
		t.Errorf("stop reply = %q", got)
	}
	if c.Text(TextStartReply) == "" {
		t.Error("expected default start reply to survive")
	}

	byName := map[string]Seed{}
	for _, s := range c.Seeds() {
		byName[s.FriendlyName] = s
	}
	if len(byName) != 3 {
		t.Fatalf("expected 3 seeds, got %d", len(byName))
	}
	if d := byName["reminder"].Delta(); d == nil || *d != 72*time.Hour {
		t.Errorf("expected reminder delta overridden to 72h")
	}
	if th := byName["thanks"].Threshold(); th == nil || *th != 12*time.Hour {
		t.Errorf("expected thanks threshold of 12h")
	}
}

func TestLoadCatalog_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.json", `{"templates": [{"friendly_name": "x", "send_delta": "soon"}]}`)

	if _, err := LoadCatalog(dir); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestCatalogStore_Reload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "texts.json", `{"texts": {"reply.unknown": "first"}}`)

	store, err := NewCatalogStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCatalogStore: %v", err)
	}
	before := store.Catalog()
	if before.Text(TextUnknownReply) != "first" {
		t.Fatalf("unexpected text %q", before.Text(TextUnknownReply))
	}

	writeFile(t, dir, "texts.json", `{"texts": {"reply.unknown": "second"}}`)
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := store.Catalog().Text(TextUnknownReply); got != "second" {
		t.Errorf("after reload = %q", got)
	}
	if before.Text(TextUnknownReply) != "first" {
		t.Error("previously returned catalog must not change")
	}

	writeFile(t, dir, "texts.json", `{broken`)
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := store.Catalog().Text(TextUnknownReply); got != "second" {
		t.Errorf("failed reload replaced catalog: %q", got)
	}
}
