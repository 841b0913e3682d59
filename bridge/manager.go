// Package bridge drives a real browser tab through go-rod and exposes it to
// the engine as a Surface. A small script injected into the tab reports
// structural mutations and pointer events back over a CDP binding, and
// applies the engine's text writes without echoing them.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bridge: manager closed")

// Config configures the browser.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome. Empty
	// launches a local one.
	RemoteURL string `yaml:"remote_url" env:"REMOTE_URL"`
	// Headful shows the window instead of running headless.
	Headful bool `yaml:"headful" env:"HEADFUL"`
	// Stealth applies go-rod/stealth evasions to new tabs. Default: true.
	Stealth *bool `yaml:"stealth" env:"STEALTH"`
	// ResourceBlocking lists resource types to drop: images, fonts, media,
	// stylesheets.
	ResourceBlocking []string `yaml:"resource_blocking" env:"RESOURCE_BLOCKING" envSeparator:","`
	// NavigateTimeout bounds navigation and load. Default: 30s.
	NavigateTimeout time.Duration `yaml:"navigate_timeout" env:"NAVIGATE_TIMEOUT"`
}

func (c *Config) defaults() {
	if c.Stealth == nil {
		on := true
		c.Stealth = &on
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
}

// Manager owns the browser process.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. Call Start to launch or connect.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Start launches Chrome, or connects to RemoteURL.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.browser != nil {
		return m.browser, nil
	}

	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		m.logger.Info("bridge: connecting to remote browser", "url", wsURL)
	} else {
		l := launcher.New().Headless(!m.cfg.Headful).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("bridge: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.logger.Info("bridge: launched local browser", "headful", m.cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		m.cleanupLocked()
		return nil, fmt.Errorf("bridge: connect: %w", err)
	}
	m.browser = b
	return b, nil
}

// Browser returns the connected browser, or nil.
func (m *Manager) Browser() *rod.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser
}

// Close shuts the browser down. A remote browser is disconnected, not
// killed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.cleanupLocked()
}

func (m *Manager) cleanupLocked() error {
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return err
}
