// Package relay implements the signaling relay: a websocket broker that lets
// clients discover announced devices and exchange connection-negotiation
// payloads. The relay never carries file bytes and holds no durable state; a
// restart loses all registrations and clients re-announce on reconnect.
package relay

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blink/models"
	"blink/signaling"
)

const (
	// DefaultWriteTimeout bounds each websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// sendQueueSize buffers outbound frames per client. A client that falls
	// this far behind is dropped rather than blocking the hub.
	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Registration records one announced device and the relay connection that
// owns it. The owning connection id is the only reliable way to map a relay
// disconnect back to a channel identity for the departure broadcast.
type Registration struct {
	ChannelID   string
	Device      models.Device
	RelayConnID string
}

type client struct {
	id   string
	conn *websocket.Conn

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Relay brokers discovery and signaling between websocket clients.
type Relay struct {
	writeTimeout time.Duration

	mu            sync.Mutex
	clients       map[string]*client       // relay connection id -> connection
	registrations map[string]*Registration // channel id -> registration
}

// New creates an empty relay.
func New() *Relay {
	return &Relay{
		writeTimeout:  DefaultWriteTimeout,
		clients:       make(map[string]*client),
		registrations: make(map[string]*Registration),
	}
}

// Handler returns the websocket endpoint to mount, typically at /ws.
func (r *Relay) Handler() http.Handler {
	return http.HandlerFunc(r.serveWS)
}

// Devices returns a snapshot of all currently registered devices.
func (r *Relay) Devices() []models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Device, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, reg.Device)
	}
	return out
}

// ClientCount returns the number of live relay connections.
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[relay] upgrade failed: %v", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}

	r.mu.Lock()
	r.clients[c.id] = c
	snapshot := make([]models.Device, 0, len(r.registrations))
	for _, reg := range r.registrations {
		snapshot = append(snapshot, reg.Device)
	}
	r.mu.Unlock()

	go r.writeLoop(c)

	log.Printf("[relay] client connected: %s", c.id)

	// Assign the relay-level identity, then replay current membership as
	// individual peer-joined frames so late joiners see the full set.
	r.sendFrame(c, signaling.Frame{Type: signaling.TypeInit, PeerID: c.id})
	for _, device := range snapshot {
		device := device
		r.sendFrame(c, signaling.Frame{Type: signaling.TypePeerJoined, DeviceInfo: &device})
	}

	r.readLoop(c)
}

func (r *Relay) readLoop(c *client) {
	defer r.dropClient(c)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := signaling.Decode(payload)
		if err != nil {
			// Malformed frames are logged per message and never terminate
			// the connection.
			log.Printf("[relay] dropping malformed frame from %s: %v", c.id, err)
			continue
		}

		switch frame.Type {
		case signaling.TypeAnnounce:
			r.handleAnnounce(c, frame)
		case signaling.TypeSignal:
			r.handleSignal(c, frame)
		case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate:
			r.fanOut(c, payload)
		default:
			log.Printf("[relay] ignoring unexpected %q frame from client %s", frame.Type, c.id)
		}
	}
}

func (r *Relay) handleAnnounce(c *client, frame signaling.Frame) {
	if frame.DeviceInfo == nil {
		log.Printf("[relay] dropping announce without device info from %s", c.id)
		return
	}

	device, err := signaling.SanitizeDevice(*frame.DeviceInfo)
	if err != nil {
		log.Printf("[relay] dropping invalid announce from %s: %v", c.id, err)
		return
	}

	r.mu.Lock()
	r.registrations[device.ChannelID] = &Registration{
		ChannelID:   device.ChannelID,
		Device:      device,
		RelayConnID: c.id,
	}
	targets := r.clientsLocked()
	r.mu.Unlock()

	log.Printf("[relay] device announced: %s (%s) channel=%s", device.Name, device.ID, device.ChannelID)

	payload, err := signaling.Encode(signaling.Frame{Type: signaling.TypePeerJoined, DeviceInfo: &device})
	if err != nil {
		log.Printf("[relay] encode peer-joined: %v", err)
		return
	}

	// Broadcast to every client, announcer included, so the announcer can
	// confirm its own announce landed.
	for _, target := range targets {
		if !target.enqueue(payload) {
			r.dropClient(target)
		}
	}
}

func (r *Relay) handleSignal(c *client, frame signaling.Frame) {
	if frame.TargetPeer == "" {
		log.Printf("[relay] dropping signal without target from %s", c.id)
		return
	}

	r.mu.Lock()
	var target *client
	if reg, ok := r.registrations[frame.TargetPeer]; ok {
		target = r.clients[reg.RelayConnID]
	}
	r.mu.Unlock()

	if target == nil {
		// Best effort: an unknown target is logged and dropped without an
		// error back to the sender.
		log.Printf("[relay] signal to unknown target %q from %s", frame.TargetPeer, c.id)
		return
	}

	payload, err := signaling.Encode(signaling.Frame{
		Type:     signaling.TypeSignal,
		Signal:   frame.Signal,
		FromPeer: c.id,
	})
	if err != nil {
		log.Printf("[relay] encode signal: %v", err)
		return
	}
	if !target.enqueue(payload) {
		r.dropClient(target)
	}
}

// fanOut broadcasts a negotiation payload verbatim to every client except the
// sender. Used before target-specific routing is established.
func (r *Relay) fanOut(sender *client, payload []byte) {
	r.mu.Lock()
	targets := r.clientsLocked()
	r.mu.Unlock()

	for _, target := range targets {
		if target.id == sender.id {
			continue
		}
		if !target.enqueue(payload) {
			r.dropClient(target)
		}
	}
}

func (r *Relay) dropClient(c *client) {
	r.mu.Lock()
	if _, ok := r.clients[c.id]; !ok {
		r.mu.Unlock()
		c.close()
		return
	}
	delete(r.clients, c.id)

	// Locate the registration by owning connection, not by key: the close
	// handler does not know which channel id this connection announced.
	var departed *Registration
	for channelID, reg := range r.registrations {
		if reg.RelayConnID == c.id {
			departed = reg
			delete(r.registrations, channelID)
			break
		}
	}
	targets := r.clientsLocked()
	r.mu.Unlock()

	c.close()
	log.Printf("[relay] client disconnected: %s", c.id)

	if departed == nil {
		return
	}

	payload, err := signaling.Encode(signaling.Frame{
		Type:   signaling.TypePeerLeft,
		PeerID: departed.ChannelID,
	})
	if err != nil {
		log.Printf("[relay] encode peer-left: %v", err)
		return
	}
	for _, target := range targets {
		if !target.enqueue(payload) {
			r.dropClient(target)
		}
	}
}

func (r *Relay) sendFrame(c *client, frame signaling.Frame) {
	payload, err := signaling.Encode(frame)
	if err != nil {
		log.Printf("[relay] encode %s frame: %v", frame.Type, err)
		return
	}
	if !c.enqueue(payload) {
		r.dropClient(c)
	}
}

func (r *Relay) writeLoop(c *client) {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				r.dropClient(c)
				return
			}
		case <-c.closed:
			return
		}
	}
}

// clientsLocked snapshots the client set; callers must hold r.mu.
func (r *Relay) clientsLocked() []*client {
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
