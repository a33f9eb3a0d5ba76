package bus

import (
	"context"
	"errors"
	"sync"
)

var errMemoryDown = errors.New("memory broker is down")

const memoryQueueSize = 1024

// MemoryHub stands in for a broker server inside one process. Every MemoryBroker created
// from the same hub sees the others' messages, which lets tests run several instances side
// by side and lets a single instance run without Redis.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySub]struct{}
	down bool
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[*memorySub]struct{})}
}

// SetDown simulates a broker outage: connects and publishes fail while down
func (h *MemoryHub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

// Broker returns a new client of the hub
func (h *MemoryHub) Broker() *MemoryBroker {
	return &MemoryBroker{hub: h}
}

func (h *MemoryHub) isDown() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.down
}

func (h *MemoryHub) add(channel string, s *memorySub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*memorySub]struct{})
	}
	h.subs[channel][s] = struct{}{}
}

func (h *MemoryHub) remove(channel string, s *memorySub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[channel], s)
	if len(h.subs[channel]) == 0 {
		delete(h.subs, channel)
	}
}

func (h *MemoryHub) publish(ctx context.Context, channel string, data []byte) error {
	h.mu.RLock()
	if h.down {
		h.mu.RUnlock()
		return errMemoryDown
	}
	subs := make([]*memorySub, 0, len(h.subs[channel]))
	for s := range h.subs[channel] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- data:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// memorySub delivers queued messages to fn from a single goroutine so order is kept
type memorySub struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *memorySub) run(fn func([]byte)) {
	for {
		select {
		case data := <-s.queue:
			fn(data)
		case <-s.done:
			return
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// MemoryBroker is one client connection pair to a MemoryHub
type MemoryBroker struct {
	hub *MemoryHub

	mu        sync.Mutex
	connected bool
	subs      map[*memorySub]string
}

func (m *MemoryBroker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.hub.isDown() {
		return errMemoryDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.subs = make(map[*memorySub]string)
	return nil
}

func (m *MemoryBroker) Publish(ctx context.Context, channel string, data []byte) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return errors.New("memory broker not connected")
	}
	return m.hub.publish(ctx, channel, data)
}

func (m *MemoryBroker) Subscribe(ctx context.Context, channel string, fn func([]byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("memory broker not connected")
	}

	s := &memorySub{
		queue: make(chan []byte, memoryQueueSize),
		done:  make(chan struct{}),
	}
	m.subs[s] = channel
	m.hub.add(channel, s)
	go s.run(fn)
	return nil
}

func (m *MemoryBroker) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && len(m.subs) > 0 && !m.hub.isDown()
}

func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s, channel := range m.subs {
		m.hub.remove(channel, s)
		s.stop()
	}
	m.subs = nil
	m.connected = false
	return nil
}
