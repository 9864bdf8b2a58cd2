package onboarding

import (
	"log/slog"
	"sync"
)

// Provider holds the active Driver for the current study configuration.
// Initialize replaces the driver wholesale; nothing carries over between
// configurations.
type Provider struct {
	mu     sync.RWMutex
	driver *Driver
}

// NewProvider creates a Provider with no active driver.
func NewProvider() *Provider {
	return &Provider{}
}

// Initialize builds a new driver from groups and makes it active.
func (p *Provider) Initialize(groups []SectionGroup) {
	d := NewDriver(groups)
	p.mu.Lock()
	p.driver = &d
	p.mu.Unlock()
	slog.Info("Provider.Initialize: onboarding section groups configured", "groups", groups, "sections", len(d.Sequence()))
}

// Driver returns the active driver, if any.
func (p *Provider) Driver() (Driver, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.driver == nil {
		return Driver{}, false
	}
	return *p.driver, true
}

// First returns the first onboarding section of the active driver.
func (p *Provider) First() (Section, bool) {
	d, ok := p.Driver()
	if !ok {
		return "", false
	}
	return d.First()
}

// Next returns the section following s under the active driver.
func (p *Provider) Next(s Section) (Section, bool) {
	d, ok := p.Driver()
	if !ok {
		return "", false
	}
	return d.Next(s)
}
