package integrations

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"replybridge-backend/internal/models"
)

// Manager holds the connected adapters keyed by platform. The first platform
// that connects becomes the default. Safe for concurrent use.
type Manager struct {
	mu              sync.RWMutex
	adapters        map[models.Platform]Adapter
	defaultPlatform models.Platform

	factory    Factory
	httpClient *http.Client
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFactory replaces New when building adapters from credentials.
func WithFactory(f Factory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// WithHTTPClient sets the client handed to every adapter the manager builds.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		adapters: make(map[models.Platform]Adapter),
		factory:  New,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitializeFromCredentials builds and connects an adapter for every bundle,
// in models.AllPlatforms order. Platforms that fail to connect are logged and
// skipped. It returns ErrNoPlatforms when nothing connected.
func (m *Manager) InitializeFromCredentials(ctx context.Context, bundles []*models.CredentialBundle) error {
	byPlatform := make(map[models.Platform]*models.CredentialBundle, len(bundles))
	for _, b := range bundles {
		if b != nil {
			byPlatform[b.Platform] = b
		}
	}

	connected := 0
	for _, p := range models.AllPlatforms {
		bundle, ok := byPlatform[p]
		if !ok {
			continue
		}
		adapter, err := m.factory(p, Config{Bundle: bundle, HTTPClient: m.httpClient, Verify: true})
		if err != nil {
			log.Printf("WARN [MessagingManager] InitializeFromCredentials: Cannot build %s adapter: %v", p, err)
			continue
		}
		if err := adapter.Connect(ctx); err != nil {
			log.Printf("WARN [MessagingManager] InitializeFromCredentials: %s failed to connect: %v", p, err)
			continue
		}
		m.Register(adapter)
		connected++
	}

	if connected == 0 {
		return fmt.Errorf("%w: none of %d credential bundles connected", models.ErrNoPlatforms, len(byPlatform))
	}
	log.Printf("[MessagingManager] InitializeFromCredentials: %d platform(s) connected, default=%s", connected, m.DefaultPlatform())
	return nil
}

// Register adds or replaces the adapter for its platform.
func (m *Manager) Register(adapter Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := adapter.Platform()
	if _, exists := m.adapters[p]; exists {
		log.Printf("WARN [MessagingManager] Platform '%s' is already registered. Overwriting.", p)
	}
	m.adapters[p] = adapter
	if m.defaultPlatform == "" {
		m.defaultPlatform = p
	}
	log.Printf("[MessagingManager] Registered adapter for platform: %s", p)
}

// Get returns the adapter registered for p.
func (m *Manager) Get(p models.Platform) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[p]
	return a, ok
}

// DefaultPlatform returns "" when nothing is registered.
func (m *Manager) DefaultPlatform() models.Platform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultPlatform
}

// Platforms lists registered platforms in models.AllPlatforms order.
func (m *Manager) Platforms() []models.Platform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Platform, 0, len(m.adapters))
	for _, p := range models.AllPlatforms {
		if _, ok := m.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// SendMessage sends through platform, or the default platform when platform is "".
// It fails with a named error instead of silently dropping the message.
func (m *Manager) SendMessage(ctx context.Context, platform models.Platform, chatID, text string, opts SendOptions) (*models.Message, error) {
	m.mu.RLock()
	if len(m.adapters) == 0 {
		m.mu.RUnlock()
		return nil, models.ErrNoPlatforms
	}
	if platform == "" {
		platform = m.defaultPlatform
	}
	adapter, ok := m.adapters[platform]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: platform %s not registered", models.ErrConnection, platform)
	}
	if !adapter.GetStatus().Connected {
		return nil, fmt.Errorf("%w: platform %s is disconnected", models.ErrConnection, platform)
	}
	return adapter.SendMessage(ctx, chatID, text, opts)
}

// ConnectedPlatforms lists the registered platforms whose adapter is connected.
func (m *Manager) ConnectedPlatforms() []models.Platform {
	var out []models.Platform
	for _, p := range m.Platforms() {
		if a, ok := m.Get(p); ok && a.GetStatus().Connected {
			out = append(out, p)
		}
	}
	return out
}

// Broadcast sends text to chatID on every connected adapter concurrently.
// Per-adapter failures are logged; the successful messages are returned in
// platform order. It fails only when no adapter is connected.
func (m *Manager) Broadcast(ctx context.Context, text, chatID string) ([]*models.Message, error) {
	return m.BroadcastTo(ctx, nil, text, chatID)
}

// BroadcastTo is Broadcast restricted to platforms. A nil slice means every
// registered platform; unknown or disconnected platforms are skipped.
func (m *Manager) BroadcastTo(ctx context.Context, platforms []models.Platform, text, chatID string) ([]*models.Message, error) {
	registered := m.Platforms()
	if len(registered) == 0 {
		return nil, models.ErrNoPlatforms
	}
	if platforms == nil {
		platforms = registered
	}
	var targets []Adapter
	for _, p := range platforms {
		if a, ok := m.Get(p); ok && a.GetStatus().Connected {
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no connected platforms to broadcast to", models.ErrConnection)
	}

	// Settlement is best-effort: every goroutine returns nil so one failing
	// adapter never cancels or hides the others. The group only joins them.
	results := make([]*models.Message, len(targets))
	var g errgroup.Group
	for i, a := range targets {
		g.Go(func() error {
			msg, err := a.SendMessage(ctx, chatID, text, SendOptions{})
			if err != nil {
				log.Printf("ERROR [MessagingManager] Broadcast: %s send to %s failed: %v", a.Platform(), chatID, err)
				return nil
			}
			results[i] = msg
			return nil
		})
	}
	_ = g.Wait()

	sent := make([]*models.Message, 0, len(results))
	for _, msg := range results {
		if msg != nil {
			sent = append(sent, msg)
		}
	}
	return sent, nil
}

// Status reports every registered adapter's connectivity.
func (m *Manager) Status() map[models.Platform]models.PlatformStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.Platform]models.PlatformStatus, len(m.adapters))
	for p, a := range m.adapters {
		out[p] = a.GetStatus()
	}
	return out
}

// DisconnectAll disconnects every adapter, logging failures.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.RLock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	for _, a := range adapters {
		if err := a.Disconnect(ctx); err != nil {
			log.Printf("WARN [MessagingManager] DisconnectAll: %s: %v", a.Platform(), err)
		}
	}
}
