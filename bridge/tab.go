package bridge

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/commentveil/idgen"
)

// Tab is one page opened by the manager.
type Tab struct {
	Page *rod.Page
	// ID labels the tab in logs.
	ID string

	router *rod.HijackRouter
}

// OpenTab opens a tab, applies stealth and resource blocking, navigates to
// pageURL and waits for load. A load timeout is logged, not returned.
func (m *Manager) OpenTab(ctx context.Context, pageURL string) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("bridge: no browser")
	}

	var page *rod.Page
	var err error
	if *m.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: create tab: %w", err)
	}

	t := &Tab{Page: page, ID: idgen.Session()}
	if len(m.cfg.ResourceBlocking) > 0 {
		t.router = blockResources(page, m.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("bridge: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.logger.Warn("bridge: wait load", "tab", t.ID, "url", pageURL, "error", err)
	}
	m.logger.Info("bridge: tab open", "tab", t.ID, "url", pageURL)
	return t, nil
}

// Close stops request interception and closes the tab.
func (t *Tab) Close() error {
	if t.router != nil {
		_ = t.router.Stop()
		t.router = nil
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
