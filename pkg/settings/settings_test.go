package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default should validate, got %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	s := Default()
	s.Volume = 5
	s.VADThreshold = -1
	s.TTSProvider = "espeak"

	err := s.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"volume", "vadThreshold", "ttsProvider"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestProviderTuning(t *testing.T) {
	s := Default()
	s.Coqui.Speed = 1.3
	s.TTSProvider = ProviderCoqui
	if got := s.ProviderTuning().Speed; got != 1.3 {
		t.Errorf("Expected coqui speed 1.3, got %v", got)
	}
	s.TTSProvider = ""
	if got := s.ProviderTuning(); got != s.Piper {
		t.Errorf("Expected piper tuning by default, got %+v", got)
	}
}

func TestCompare(t *testing.T) {
	base := Default()

	tests := []struct {
		name        string
		mutate      func(*Settings)
		live        bool
		restart     bool
		restartList []string
	}{
		{"nothing", func(*Settings) {}, false, false, nil},
		{"volume only", func(s *Settings) { s.Volume = 0.4 }, true, false, nil},
		{"mic gain only", func(s *Settings) { s.MicGain = 2 }, true, false, nil},
		{"greeting only", func(s *Settings) { s.Greeting = "hi" }, false, false, nil},
		{"voice", func(s *Settings) { s.Voice = "nova" }, false, true, []string{"voice"}},
		{"active tuning", func(s *Settings) { s.Piper.Speed = 1.2 }, false, true, []string{"providerTuning"}},
		{"inactive tuning", func(s *Settings) { s.OpenAI.Speed = 1.2 }, false, false, nil},
		{"mixed", func(s *Settings) { s.Volume = 0.1; s.SystemPrompt = "x" }, true, true, []string{"systemPrompt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base
			tt.mutate(&next)
			d := Compare(base, next)
			if d.Live() != tt.live {
				t.Errorf("Live() = %v, want %v", d.Live(), tt.live)
			}
			if d.RestartRequired() != tt.restart {
				t.Errorf("RestartRequired() = %v, want %v", d.RestartRequired(), tt.restart)
			}
			if strings.Join(d.Restart, ",") != strings.Join(tt.restartList, ",") {
				t.Errorf("Restart = %v, want %v", d.Restart, tt.restartList)
			}
		})
	}
}

func TestCatalog(t *testing.T) {
	const doc = `
personalities:
  - id: tutor
    name: Language Tutor
    systemPrompt: You are a patient Spanish tutor.
    description: Practice Spanish
    language: es
  - id: default
    name: Assistant
`
	c, err := LoadCatalogFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := c.Find("tutor")
	if !ok {
		t.Fatal("tutor not found")
	}
	s := p.Apply(Default())
	if s.AILanguage != "es" || s.SystemPrompt != "You are a patient Spanish tutor." || s.PersonalityID != "tutor" {
		t.Errorf("Apply gave %+v", s)
	}

	d, _ := c.Find("default")
	if got := d.Apply(s); got.AILanguage != "es" {
		t.Errorf("empty language should keep the current one, got %q", got.AILanguage)
	}
	if _, ok := c.Find("missing"); ok {
		t.Error("Expected missing personality not to be found")
	}
}

func TestCatalog_DuplicateID(t *testing.T) {
	const doc = `
personalities:
  - id: a
  - id: a
`
	if _, err := LoadCatalogFromReader(strings.NewReader(doc)); err == nil {
		t.Error("Expected duplicate id error")
	}
}

func TestFileStore_MissingFileUsesDefaults(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != Default() {
		t.Errorf("Expected defaults, got %+v", got)
	}
}

func TestFileStore_SaveNotifiesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := NewFileStore(path, WithOrigin("ui"))
	if err != nil {
		t.Fatal(err)
	}

	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) { changes = append(changes, c) })

	next := Default()
	next.Voice = "nova"
	if err := s.Save(next); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Origin != "ui" || changes[0].Version != 1 || changes[0].New.Voice != "nova" {
		t.Fatalf("unexpected changes %+v", changes)
	}

	// Our own write must not come back through the watcher.
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Errorf("own write was echoed: %d changes", len(changes))
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := reopened.Load(); got.Voice != "nova" || reopened.Version() != 1 {
		t.Errorf("reopened store has voice %q version %d", got.Voice, reopened.Version())
	}

	unsubscribe()
	next.Voice = "echo"
	if err := s.Save(next); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Error("unsubscribed callback still called")
	}
}

func TestFileStore_SaveRejectsInvalid(t *testing.T) {
	s, _ := NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"))
	bad := Default()
	bad.SilenceDurationMs = 0
	if err := s.Save(bad); err == nil {
		t.Error("Expected validation error")
	}
}

func writeExternal(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestFileStore_ExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, _ := NewFileStore(path, WithOrigin("agent"))
	if err := s.Save(Default()); err != nil {
		t.Fatal(err)
	}

	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	writeExternal(t, path, `
version: 5
updatedBy: remote
settings:
  voice: shimmer
`, time.Now().Add(time.Minute))

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Voice != "shimmer" {
		t.Errorf("Expected voice shimmer, got %q", got.Voice)
	}
	if got.SilenceDurationMs != Default().SilenceDurationMs {
		t.Errorf("missing fields should keep defaults, got %d", got.SilenceDurationMs)
	}
	if len(changes) != 1 || changes[0].Origin != "remote" || changes[0].Version != 5 {
		t.Fatalf("unexpected changes %+v", changes)
	}

	// An older version is a stale write and is ignored.
	writeExternal(t, path, `
version: 3
updatedBy: remote
settings:
  voice: alloy
`, time.Now().Add(2*time.Minute))
	got, _ = s.Load()
	if got.Voice != "shimmer" || len(changes) != 1 {
		t.Errorf("stale write applied: voice %q, %d changes", got.Voice, len(changes))
	}

	// A broken file keeps the last good snapshot.
	writeExternal(t, path, "version: [", time.Now().Add(3*time.Minute))
	if _, err := s.Load(); err == nil {
		t.Error("Expected decode error")
	}
	if s.Version() != 5 {
		t.Errorf("Expected version 5 to survive, got %d", s.Version())
	}
}
