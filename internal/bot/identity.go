package bot

import (
	"context"
	"sync"

	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/transport"
)

// identitySettings fills the bot identity reported by the gateway into
// every settings snapshot that does not pin one.
type identitySettings struct {
	inner settings.Provider

	mu   sync.RWMutex
	self transport.Identity
}

func (p *identitySettings) set(self transport.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if self.UserID != "" {
		p.self.UserID = self.UserID
	}
	if self.Name != "" {
		p.self.Name = self.Name
	}
}

func (p *identitySettings) Settings(ctx context.Context) (settings.Settings, error) {
	s, err := p.inner.Settings(ctx)
	if err != nil {
		return s, err
	}
	p.mu.RLock()
	self := p.self
	p.mu.RUnlock()
	if s.Bot.ID == "" {
		s.Bot.ID = self.UserID
	}
	if s.Bot.Name == "" || s.Bot.Name == settings.Defaults().Bot.Name {
		if self.Name != "" {
			s.Bot.Name = self.Name
		}
	}
	return s, nil
}
