package tunnel

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/jumpsocks/internal/config"
)

// ErrManagerClosed is returned by Connect after Close.
var ErrManagerClosed = errors.New("tunnel manager closed")

// Manager keeps at most one running tunnel per connection id.
type Manager struct {
	opts  Options
	group singleflight.Group

	mu      sync.Mutex
	tunnels map[uuid.UUID]*Handle
	closed  bool
}

// NewManager returns a Manager starting tunnels with opts.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:    opts,
		tunnels: make(map[uuid.UUID]*Handle),
	}
}

// Connect returns the running tunnel for id, starting one from cfg if there
// is none. Concurrent calls for the same id share one Start. A tunnel whose
// loop has exited is replaced.
func (m *Manager) Connect(ctx context.Context, id uuid.UUID, cfg config.Tunnel) (*Handle, error) {
	if h, ok := m.Get(id); ok {
		return h, nil
	}

	v, err, _ := m.group.Do(id.String(), func() (any, error) {
		if h, ok := m.Get(id); ok {
			return h, nil
		}
		if m.isClosed() {
			return nil, ErrManagerClosed
		}

		h, err := Start(ctx, cfg, m.opts)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			h.Stop()
			return nil, ErrManagerClosed
		}
		m.tunnels[id] = h
		m.mu.Unlock()

		return h, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Handle), nil
}

// Get returns the running tunnel for id.
func (m *Manager) Get(id uuid.UUID) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.tunnels[id]
	if !ok {
		return nil, false
	}
	if !h.running() {
		delete(m.tunnels, id)
		return nil, false
	}
	return h, true
}

// Disconnect stops the tunnel for id and reports whether there was one.
func (m *Manager) Disconnect(id uuid.UUID) bool {
	m.mu.Lock()
	h, ok := m.tunnels[id]
	delete(m.tunnels, id)
	m.mu.Unlock()

	if ok {
		h.Stop()
	}
	return ok
}

// Len returns the number of tracked tunnels.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// Close stops every tunnel. Later Connects fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	handles := make([]*Handle, 0, len(m.tunnels))
	for id, h := range m.tunnels {
		handles = append(handles, h)
		delete(m.tunnels, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Go(h.Stop)
	}
	wg.Wait()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
