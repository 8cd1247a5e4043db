package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Catalog text keys
const (
	TextStopReply    = "reply.stop"
	TextStartReply   = "reply.start"
	TextUnknownReply = "reply.unknown"
	TextServerReady  = "server.ready"
	TextOptOutEmail  = "admin.opt_out"
	TextOptInEmail   = "admin.opt_in"
)

// Seed describes a template that should exist in the store.
type Seed struct {
	FriendlyName        string            `json:"friendly_name"`
	Language            string            `json:"language"`
	Title               string            `json:"title"`
	Text                string            `json:"text"`
	Variables           map[string]string `json:"variables"`
	SendDelta           string            `json:"send_delta,omitempty"`
	SendThreshold       string            `json:"send_threshold,omitempty"`
	Draft               bool              `json:"draft"`
	Autosend            bool              `json:"autosend"`
	DefaultEventMessage bool              `json:"default_event_message"`
	Category            string            `json:"category,omitempty"`

	sendDelta     *time.Duration
	sendThreshold *time.Duration
}

// Delta is the parsed send_delta, nil when unset.
func (s Seed) Delta() *time.Duration { return s.sendDelta }

// Threshold is the parsed send_threshold, nil when unset.
func (s Seed) Threshold() *time.Duration { return s.sendThreshold }

func (s *Seed) parse() error {
	if s.FriendlyName == "" {
		return fmt.Errorf("template seed without friendly_name")
	}
	parse := func(field, v string) (*time.Duration, error) {
		if v == "" {
			return nil, nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("seed %s: invalid %s: %w", s.FriendlyName, field, err)
		}
		return &d, nil
	}
	var err error
	if s.sendDelta, err = parse("send_delta", s.SendDelta); err != nil {
		return err
	}
	if s.sendThreshold, err = parse("send_threshold", s.SendThreshold); err != nil {
		return err
	}
	return nil
}

// Catalog is an immutable set of reply texts and template seeds. Build one
// with DefaultCatalog or LoadCatalog; swap it through CatalogStore.
type Catalog struct {
	texts map[string]string
	seeds []Seed
}

type catalogFile struct {
	Texts     map[string]string `json:"texts"`
	Templates []Seed            `json:"templates"`
}

// DefaultCatalog returns the built-in texts and seeds.
func DefaultCatalog() *Catalog {
	delta := 21 * 24 * time.Hour
	reminderDelta := 2 * 24 * time.Hour
	threshold := 24 * time.Hour

	return &Catalog{
		texts: map[string]string{
			TextStopReply:    "You will no longer receive WhatsApp notifications from us. Reply START to subscribe again.",
			TextStartReply:   "WhatsApp notifications are on again. Reply STOP to unsubscribe.",
			TextUnknownReply: "Sorry, we did not understand that. Reply STOP to unsubscribe or START to subscribe again.",
			TextServerReady:  "Server is ready",
			TextOptOutEmail:  "{name} ({phone}) unsubscribed from WhatsApp notifications.",
			TextOptInEmail:   "{name} ({phone}) subscribed to WhatsApp notifications again.",
		},
		seeds: []Seed{
			{
				FriendlyName:        "invitation",
				Language:            "en",
				Title:               "Invitation",
				Text:                "Hi {name}! You are invited to {party}. Let us know if you can make it: {url}",
				Variables:           map[string]string{"name": "John", "party": "Summer Edition", "url": "https://example.com/?visitor_id=1234"},
				SendDelta:           "504h",
				Draft:               true,
				DefaultEventMessage: true,
				Category:            "UTILITY",
				sendDelta:           &delta,
			},
			{
				FriendlyName:        "reminder",
				Language:            "en",
				Title:               "Reminder",
				Text:                "Hi {name}, {party} is almost here! All details are at {url}",
				Variables:           map[string]string{"name": "John", "party": "Summer Edition", "url": "https://example.com/?visitor_id=1234"},
				SendDelta:           "48h",
				SendThreshold:       "24h",
				Draft:               true,
				DefaultEventMessage: true,
				Category:            "UTILITY",
				sendDelta:           &reminderDelta,
				sendThreshold:       &threshold,
			},
		},
	}
}

// LoadCatalog reads every *.json file in dir, in name order, on top of the
// default catalog. Texts with the same key and seeds with the same friendly
// name are replaced by the later file.
func LoadCatalog(dir string) (*Catalog, error) {
	base := DefaultCatalog()
	if dir == "" {
		return base, nil
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list catalog files: %w", err)
	}
	sort.Strings(paths)

	texts := make(map[string]string, len(base.texts))
	for k, v := range base.texts {
		texts[k] = v
	}
	seeds := append([]Seed(nil), base.seeds...)

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var f catalogFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}

		for k, v := range f.Texts {
			texts[k] = v
		}
		for _, s := range f.Templates {
			if err := s.parse(); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			seeds = upsertSeed(seeds, s)
		}
	}

	return &Catalog{texts: texts, seeds: seeds}, nil
}

func upsertSeed(seeds []Seed, s Seed) []Seed {
	for i := range seeds {
		if strings.EqualFold(seeds[i].FriendlyName, s.FriendlyName) {
			seeds[i] = s
			return seeds
		}
	}
	return append(seeds, s)
}

// Text returns the text stored under key, or "" when missing.
func (c *Catalog) Text(key string) string {
	return c.texts[key]
}

// Seeds returns a copy of the template seeds.
func (c *Catalog) Seeds() []Seed {
	return append([]Seed(nil), c.seeds...)
}

// CatalogStore holds the active catalog and swaps it on Reload.
type CatalogStore struct {
	dir     string
	current atomic.Pointer[Catalog]
	logger  *zap.Logger
}

// NewCatalogStore loads the catalog from dir.
func NewCatalogStore(dir string, logger *zap.Logger) (*CatalogStore, error) {
	s := &CatalogStore{dir: dir, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// StaticCatalog wraps a fixed catalog, mostly for tests.
func StaticCatalog(c *Catalog) *CatalogStore {
	s := &CatalogStore{logger: zap.NewNop()}
	s.current.Store(c)
	return s
}

// Catalog returns the active catalog.
func (s *CatalogStore) Catalog() *Catalog {
	return s.current.Load()
}

// Reload re-reads the catalog directory. On error the active catalog stays.
func (s *CatalogStore) Reload() error {
	c, err := LoadCatalog(s.dir)
	if err != nil {
		s.logger.Error("catalog reload failed", zap.Error(err), zap.String("dir", s.dir))
		return err
	}
	s.current.Store(c)
	s.logger.Info("catalog loaded",
		zap.String("dir", s.dir),
		zap.Int("texts", len(c.texts)),
		zap.Int("templates", len(c.seeds)),
	)
	return nil
}
