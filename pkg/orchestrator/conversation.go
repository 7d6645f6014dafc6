package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/lokutor-ai/voicechat/pkg/settings"
)

// Conversation binds a SessionController to a settings store: changes saved
// to the store are applied live or by restarting, whichever the changed
// fields need.
type Conversation struct {
	store   settings.Store
	catalog *settings.Catalog
	session *SessionController
	logger  Logger

	mu          sync.Mutex
	current     settings.Settings
	unsubscribe func()
}

// NewConversation loads the current settings into a new SessionController
// and subscribes to the store.
func NewConversation(store settings.Store, catalog *settings.Catalog, cfg Config, deps Dependencies) (*Conversation, error) {
	s, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = &NoOpLogger{}
	}
	c := &Conversation{
		store:   store,
		catalog: catalog,
		session: NewSessionController(cfg, s, deps),
		logger:  deps.Logger,
		current: s,
	}
	c.unsubscribe = store.Subscribe(c.onChange)
	return c, nil
}

// Session returns the underlying controller.
func (c *Conversation) Session() *SessionController { return c.session }

func (c *Conversation) Start(ctx context.Context) error { return c.session.Start(ctx) }

func (c *Conversation) Stop() { c.session.Stop() }

// Close unsubscribes from the store and stops the session.
func (c *Conversation) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.session.Stop()
}

func (c *Conversation) onChange(ch settings.Change) {
	c.mu.Lock()
	old := c.current
	c.current = ch.New
	c.mu.Unlock()

	d := settings.Compare(old, ch.New)
	if d.Empty() {
		c.session.SetSettings(ch.New)
		return
	}
	c.logger.Info("settings changed", "origin", ch.Origin, "version", ch.Version, "restart", d.Restart)

	if d.MicGainChanged {
		c.session.SetMicGain(ch.New.MicGain)
	}
	if d.VolumeChanged {
		c.session.SetVolume(ch.New.Volume)
	}
	if d.RestartRequired() {
		c.session.RestartWithNewSettings(ch.New)
	} else {
		c.session.SetSettings(ch.New)
	}
}

func (c *Conversation) update(mutate func(*settings.Settings)) error {
	c.mu.Lock()
	next := c.current
	c.mu.Unlock()
	mutate(&next)
	return c.store.Save(next)
}

// SelectPersonality applies a catalog entry's prompt and language.
func (c *Conversation) SelectPersonality(id string) error {
	p, ok := c.catalog.Find(id)
	if !ok {
		return fmt.Errorf("unknown personality: %s", id)
	}
	return c.update(func(s *settings.Settings) { *s = p.Apply(*s) })
}

func (c *Conversation) SetVoice(voice string) error {
	return c.update(func(s *settings.Settings) { s.Voice = voice })
}

func (c *Conversation) SetLanguage(language string) error {
	return c.update(func(s *settings.Settings) { s.AILanguage = language })
}

func (c *Conversation) SetSystemPrompt(prompt string) error {
	return c.update(func(s *settings.Settings) { s.SystemPrompt = prompt })
}

func (c *Conversation) SetVolume(v float64) error {
	return c.update(func(s *settings.Settings) { s.Volume = v })
}

func (c *Conversation) SetMicGain(g float64) error {
	return c.update(func(s *settings.Settings) { s.MicGain = g })
}

// Personalities lists the catalog.
func (c *Conversation) Personalities() []settings.Personality {
	if c.catalog == nil {
		return nil
	}
	return c.catalog.Personalities
}
