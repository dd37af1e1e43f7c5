package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

const (
	// MinICEServers is the minimum number of connectivity servers a config
	// must carry before an endpoint is initialized.
	MinICEServers = 2
	// DefaultConnectTimeout bounds one outbound connection attempt.
	DefaultConnectTimeout = 10 * time.Second
	// endpointRetryDelay is the pause before rebuilding a lost endpoint.
	endpointRetryDelay = 2 * time.Second
)

var (
	// ErrTooFewICEServers indicates the config carries fewer connectivity
	// servers than required.
	ErrTooFewICEServers = errors.New("channel: at least two ICE servers are required")
	// ErrNotInitialized indicates Init has not succeeded yet.
	ErrNotInitialized = errors.New("channel: endpoint not initialized")
	// ErrDestroyed indicates the manager has been torn down.
	ErrDestroyed = errors.New("channel: manager destroyed")
	// ErrConnectTimeout indicates the connection attempt did not settle in
	// time.
	ErrConnectTimeout = errors.New("channel: connect timeout")
)

// State describes the manager's view of one remote peer.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Observer is invoked for every channel the manager adopts, whether dialed
// or accepted, before any of its frames are dispatched. Registration is not
// retroactive.
type Observer func(Channel)

// Manager owns the local endpoint and every live channel.
type Manager struct {
	transport      Transport
	config         Config
	connectTimeout time.Duration

	mu        sync.Mutex
	endpoint  Endpoint
	channels  map[string]Channel
	observers []Observer
	destroyed bool

	wg sync.WaitGroup
}

// NewManager creates a manager. The endpoint is not created until Init.
func NewManager(transport Transport, config Config) (*Manager, error) {
	if transport == nil {
		return nil, errors.New("channel: transport is required")
	}
	if len(config.ICEServers) < MinICEServers {
		return nil, ErrTooFewICEServers
	}

	return &Manager{
		transport:      transport,
		config:         config,
		connectTimeout: DefaultConnectTimeout,
		channels:       make(map[string]Channel),
	}, nil
}

// Init creates the local endpoint and returns its channel identity. Calling
// Init on an initialized manager returns the existing identity.
func (m *Manager) Init() (string, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return "", ErrDestroyed
	}
	if m.endpoint != nil {
		id := m.endpoint.ChannelID()
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	endpoint, err := m.transport.NewEndpoint(m.config)
	if err != nil {
		return "", fmt.Errorf("create endpoint: %w", err)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		_ = endpoint.Close()
		return "", ErrDestroyed
	}
	m.endpoint = endpoint
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(endpoint)

	return endpoint.ChannelID(), nil
}

// ChannelID returns the local channel identity, empty before Init.
func (m *Manager) ChannelID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoint == nil {
		return ""
	}
	return m.endpoint.ChannelID()
}

// OnConnection registers an observer for channels adopted from now on.
func (m *Manager) OnConnection(observer Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.observers = append(m.observers, observer)
}

// Connect opens a channel to a remote channel identity. The attempt settles
// exactly once: with a ready channel, a channel failure, or a timeout.
func (m *Manager) Connect(ctx context.Context, remoteChannelID string) (Channel, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, ErrDestroyed
	}
	endpoint := m.endpoint
	existing := m.channels[remoteChannelID]
	m.mu.Unlock()

	if existing != nil && channelAlive(existing) {
		return existing, nil
	}
	if endpoint == nil {
		return nil, ErrNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	ch, err := endpoint.Dial(ctx, remoteChannelID)
	if err != nil {
		var netErr net.Error
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}

	select {
	case <-ch.Ready():
		m.adopt(ch)
		return ch, nil
	case <-ch.Done():
		if lastErr := ch.LastError(); lastErr != nil {
			return nil, lastErr
		}
		return nil, ErrChannelClosed
	case <-ctx.Done():
		_ = ch.Close()
		return nil, ErrConnectTimeout
	}
}

// Send delivers one frame to a connected peer. It reports whether the frame
// was handed to the channel.
func (m *Manager) Send(remoteChannelID string, frame Frame) bool {
	m.mu.Lock()
	ch := m.channels[remoteChannelID]
	m.mu.Unlock()

	if ch == nil || !channelAlive(ch) {
		return false
	}
	if err := ch.Send(frame); err != nil {
		log.Printf("[channel] send to %s failed: %v", remoteChannelID, err)
		return false
	}
	return true
}

// ChannelTo returns the live channel to a peer, nil when disconnected.
func (m *Manager) ChannelTo(remoteChannelID string) Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channels[remoteChannelID]
	if ch == nil || !channelAlive(ch) {
		return nil
	}
	return ch
}

// StateOf reports the connection state for a remote channel identity.
func (m *Manager) StateOf(remoteChannelID string) State {
	if m.ChannelTo(remoteChannelID) != nil {
		return StateConnected
	}
	return StateDisconnected
}

// Peers lists remote channel identities with a live channel.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.channels))
	for id, ch := range m.channels {
		if channelAlive(ch) {
			out = append(out, id)
		}
	}
	return out
}

// CloseConnection tears down the channel to one peer.
func (m *Manager) CloseConnection(remoteChannelID string) {
	m.mu.Lock()
	ch := m.channels[remoteChannelID]
	delete(m.channels, remoteChannelID)
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
}

// Destroy tears down the endpoint and every channel. The endpoint is not
// rebuilt and observers are discarded.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	endpoint := m.endpoint
	m.endpoint = nil
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]Channel)
	m.observers = nil
	m.mu.Unlock()

	if endpoint != nil {
		_ = endpoint.Close()
	}
	for _, ch := range channels {
		_ = ch.Close()
	}
	m.wg.Wait()
}

// watch adopts inbound channels and rebuilds the endpoint when it fails.
func (m *Manager) watch(endpoint Endpoint) {
	defer m.wg.Done()

	for {
		select {
		case ch, ok := <-endpoint.Accept():
			if !ok {
				continue
			}
			m.adopt(ch)
		case <-endpoint.Done():
			m.mu.Lock()
			if m.destroyed {
				m.mu.Unlock()
				return
			}
			if m.endpoint == endpoint {
				m.endpoint = nil
			}
			m.mu.Unlock()

			next, ok := m.rebuildEndpoint()
			if !ok {
				return
			}
			endpoint = next
		}
	}
}

func (m *Manager) rebuildEndpoint() (Endpoint, bool) {
	for {
		m.mu.Lock()
		if m.destroyed {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()

		endpoint, err := m.transport.NewEndpoint(m.config)
		if err != nil {
			log.Printf("[channel] endpoint rebuild failed: %v", err)
			time.Sleep(endpointRetryDelay)
			continue
		}

		m.mu.Lock()
		if m.destroyed {
			m.mu.Unlock()
			_ = endpoint.Close()
			return nil, false
		}
		m.endpoint = endpoint
		m.mu.Unlock()

		log.Printf("[channel] endpoint rebuilt: %s", endpoint.ChannelID())
		return endpoint, true
	}
}

// adopt registers a channel and notifies observers before any frame is
// dispatched. Frames that arrive meanwhile stay buffered in the channel.
func (m *Manager) adopt(ch Channel) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		_ = ch.Close()
		return
	}
	if previous, ok := m.channels[ch.RemoteID()]; ok && previous != ch {
		_ = previous.Close()
	}
	m.channels[ch.RemoteID()] = ch
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	for _, observer := range observers {
		observer(ch)
	}

	go func() {
		<-ch.Done()
		m.mu.Lock()
		if current, ok := m.channels[ch.RemoteID()]; ok && current == ch {
			delete(m.channels, ch.RemoteID())
		}
		m.mu.Unlock()
	}()
}

func channelAlive(ch Channel) bool {
	select {
	case <-ch.Done():
		return false
	default:
		return true
	}
}
