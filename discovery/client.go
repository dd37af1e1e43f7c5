// Package discovery implements the relay-facing client: it maintains a
// websocket session to the signaling relay, announces the local device, and
// tracks the set of devices other clients have announced.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blink/models"
	"blink/signaling"
)

const (
	// DefaultReconnectDelay is the pause before redialing a lost relay
	// connection.
	DefaultReconnectDelay = 5 * time.Second

	eventQueueSize = 128

	settingDeviceID   = "device_id"
	settingDeviceName = "device_name"
)

var (
	// ErrNoChannelID is returned when announcing before the peer channel
	// has assigned a local channel identity.
	ErrNoChannelID = errors.New("discovery: no local channel ID")
	// ErrNotConnected is returned when an operation needs a live relay
	// session.
	ErrNotConnected = errors.New("discovery: not connected to relay")
)

// EventType identifies client updates.
type EventType string

const (
	// EventConnected is emitted after each successful relay dial.
	EventConnected EventType = "connected"
	// EventDisconnected is emitted when the relay session ends.
	EventDisconnected EventType = "disconnected"
	// EventDeviceJoined is emitted when a device appears or its announce
	// payload changes.
	EventDeviceJoined EventType = "device_joined"
	// EventDeviceLeft is emitted when a device's owning connection closes.
	EventDeviceLeft EventType = "device_left"
	// EventSignal is emitted for negotiation payloads addressed to or
	// fanned out toward this client.
	EventSignal EventType = "signal"
)

// Event carries client updates for consumers.
type Event struct {
	Type      EventType
	Device    models.Device
	ChannelID string
	Frame     signaling.Frame
}

// IdentityStore persists the local device identity across sessions.
type IdentityStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// ErrSettingNotFound must be returned (wrapped or directly) by an
// IdentityStore when a key has never been written.
var ErrSettingNotFound = errors.New("discovery: setting not found")

// Options configures a Client.
type Options struct {
	// RelayURL is the websocket endpoint of the signaling relay.
	RelayURL string
	// DeviceName overrides the stored or hostname-derived name.
	DeviceName string
	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// Identity persists the device identity. Optional; without it a fresh
	// identity is generated each run.
	Identity IdentityStore
}

// Client is the relay-facing discovery client.
type Client struct {
	opts Options

	mu          sync.Mutex
	conn        *websocket.Conn
	self        models.Device
	channelID   string
	relayPeerID string
	order       []string                 // device ids in insertion order
	devices     map[string]models.Device // device id -> device
	intentional bool

	writeMu sync.Mutex

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewClient creates a client. The device identity is initialized here so the
// caller can read Self before connecting.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.RelayURL) == "" {
		return nil, errors.New("discovery: relay URL is required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}

	c := &Client{
		opts:    opts,
		devices: make(map[string]models.Device),
		events:  make(chan Event, eventQueueSize),
		done:    make(chan struct{}),
	}

	self, err := c.initDevice()
	if err != nil {
		return nil, err
	}
	c.self = self

	return c, nil
}

// initDevice loads the persisted identity or mints a new one.
func (c *Client) initDevice() (models.Device, error) {
	device := models.Device{
		Name:      c.opts.DeviceName,
		Platform:  platformForGOOS(runtime.GOOS),
		Timestamp: time.Now().UnixMilli(),
	}

	if c.opts.Identity != nil {
		id, err := c.opts.Identity.GetSetting(settingDeviceID)
		switch {
		case err == nil:
			device.ID = id
		case errors.Is(err, ErrSettingNotFound):
		default:
			return models.Device{}, fmt.Errorf("load device ID: %w", err)
		}
		if device.Name == "" {
			name, err := c.opts.Identity.GetSetting(settingDeviceName)
			if err == nil {
				device.Name = name
			} else if !errors.Is(err, ErrSettingNotFound) {
				return models.Device{}, fmt.Errorf("load device name: %w", err)
			}
		}
	}

	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if device.Name == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "blink-" + device.ID[:8]
		}
		device.Name = hostname
	}

	if c.opts.Identity != nil {
		if err := c.opts.Identity.SetSetting(settingDeviceID, device.ID); err != nil {
			return models.Device{}, fmt.Errorf("persist device ID: %w", err)
		}
		if err := c.opts.Identity.SetSetting(settingDeviceName, device.Name); err != nil {
			return models.Device{}, fmt.Errorf("persist device name: %w", err)
		}
	}

	return device, nil
}

// Self returns the local device identity.
func (c *Client) Self() models.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// RelayPeerID returns the relay-assigned connection identity, empty before
// the first init frame.
func (c *Client) RelayPeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayPeerID
}

// Connected reports whether a relay session is currently attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Events provides asynchronous client updates.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect dials the relay and starts the session. Subsequent connection
// losses are redialed automatically until Disconnect is called.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("discovery: already connected")
	}
	if c.self.ID == "" {
		// Torn down by a previous Disconnect; reload the identity.
		self, err := c.initDevice()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.self = self
	}
	c.intentional = false
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.opts.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	if !c.attach(conn) {
		return errors.New("discovery: disconnected during connect")
	}

	c.wg.Add(1)
	go c.run(conn, done)

	if err := c.Announce(); err != nil && !errors.Is(err, ErrNoChannelID) {
		log.Printf("[discovery] announce failed: %v", err)
	}
	return nil
}

// Disconnect ends the session intentionally: no reconnect is attempted and
// the known devices, relay identity, local device identity, and channel ID
// are all cleared. Connect reloads the identity from the store.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	conn := c.conn
	c.conn = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	c.wg.Wait()
	c.reset()
}

func (c *Client) reset() {
	c.mu.Lock()
	c.order = nil
	c.devices = make(map[string]models.Device)
	c.relayPeerID = ""
	c.channelID = ""
	c.self = models.Device{}
	c.mu.Unlock()
}

// attach installs the connection unless an intentional disconnect raced it.
func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()
	c.emit(Event{Type: EventConnected})
	return true
}

// run owns the session lifecycle: read until failure, then redial after the
// configured delay unless the disconnect was intentional.
func (c *Client) run(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()

	for {
		c.readLoop(conn)

		c.mu.Lock()
		intentional := c.intentional
		c.conn = nil
		c.mu.Unlock()

		c.emit(Event{Type: EventDisconnected})
		if intentional {
			return
		}

		for {
			select {
			case <-done:
				return
			case <-time.After(c.opts.ReconnectDelay):
			}

			next, _, err := websocket.DefaultDialer.Dial(c.opts.RelayURL, nil)
			if err != nil {
				log.Printf("[discovery] reconnect failed: %v", err)
				continue
			}
			if !c.attach(next) {
				return
			}
			conn = next
			if err := c.Announce(); err != nil && !errors.Is(err, ErrNoChannelID) {
				log.Printf("[discovery] re-announce failed: %v", err)
			}
			break
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := signaling.Decode(payload)
		if err != nil {
			log.Printf("[discovery] dropping malformed frame: %v", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame signaling.Frame) {
	switch frame.Type {
	case signaling.TypeInit:
		c.mu.Lock()
		c.relayPeerID = frame.PeerID
		c.mu.Unlock()

	case signaling.TypePeerJoined:
		if frame.DeviceInfo == nil {
			return
		}
		device := *frame.DeviceInfo
		c.mu.Lock()
		if device.ID == c.self.ID {
			// Our own announce echoed back.
			c.mu.Unlock()
			return
		}
		if _, exists := c.devices[device.ID]; !exists {
			c.order = append(c.order, device.ID)
		}
		c.devices[device.ID] = device
		c.mu.Unlock()
		c.emit(Event{Type: EventDeviceJoined, Device: device, ChannelID: device.ChannelID})

	case signaling.TypePeerLeft:
		channelID := frame.PeerID
		c.mu.Lock()
		var device models.Device
		exists := false
		for _, candidate := range c.devices {
			// A departure names the channel identity of the dropped
			// registration; a device that re-announced under a new
			// channel ID stays.
			if candidate.ChannelID == channelID {
				device = candidate
				exists = true
				break
			}
		}
		if exists {
			delete(c.devices, device.ID)
			for i, id := range c.order {
				if id == device.ID {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
		}
		c.mu.Unlock()
		if exists {
			c.emit(Event{Type: EventDeviceLeft, Device: device, ChannelID: channelID})
		}

	case signaling.TypeSignal, signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate:
		c.emit(Event{Type: EventSignal, Frame: frame})

	default:
		log.Printf("[discovery] ignoring unexpected %q frame", frame.Type)
	}
}

// SetChannelID records the channel identity assigned by the peer transport
// and announces immediately when a relay session is live.
func (c *Client) SetChannelID(channelID string) error {
	c.mu.Lock()
	c.channelID = channelID
	c.self.ChannelID = channelID
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected || channelID == "" {
		return nil
	}
	return c.Announce()
}

// Announce publishes the local device to the relay. Announcing is gated on
// having a channel identity, since a device without one cannot be dialed.
func (c *Client) Announce() error {
	c.mu.Lock()
	if c.channelID == "" {
		c.mu.Unlock()
		return ErrNoChannelID
	}
	device := c.self
	device.Timestamp = time.Now().UnixMilli()
	c.mu.Unlock()

	return c.send(signaling.Frame{Type: signaling.TypeAnnounce, DeviceInfo: &device})
}

// SendSignal delivers a negotiation payload to the device owning the target
// channel identity. Delivery is best effort; an unreachable target is dropped
// by the relay without feedback.
func (c *Client) SendSignal(targetChannelID string, payload json.RawMessage) error {
	if targetChannelID == "" {
		return errors.New("discovery: target channel ID is required")
	}
	return c.send(signaling.Frame{
		Type:       signaling.TypeSignal,
		TargetPeer: targetChannelID,
		Signal:     payload,
	})
}

func (c *Client) send(frame signaling.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := signaling.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

// Devices returns known devices in announce order, local device excluded.
func (c *Client) Devices() []models.Device {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Device, 0, len(c.order))
	for _, id := range c.order {
		if device, ok := c.devices[id]; ok {
			out = append(out, device)
		}
	}
	return out
}

func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	default:
	}
}

func platformForGOOS(goos string) models.Platform {
	switch goos {
	case "windows":
		return models.PlatformWindows
	case "darwin":
		return models.PlatformMacOS
	case "linux":
		return models.PlatformLinux
	case "android":
		return models.PlatformAndroid
	case "ios":
		return models.PlatformIOS
	default:
		return models.PlatformUnknown
	}
}
