package channel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	kindText   byte = 0
	kindBinary byte = 1
	kindHello  byte = 2

	// helloTimeout bounds the identity exchange on a fresh connection.
	helloTimeout = 10 * time.Second

	inboundQueueSize = 256
	acceptQueueSize  = 16
)

type helloPayload struct {
	ChannelID string `json:"channelId"`
}

// writeWireFrame writes one length-prefixed frame: a 4-byte big-endian
// payload length, a 1-byte kind, then the payload.
func writeWireFrame(w io.Writer, kind byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	header[4] = kind

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readWireFrame reads one length-prefixed frame.
func readWireFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	kind := header[4]
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	if length == 0 {
		return kind, []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return kind, payload, nil
}

// TCPTransport carries channels over framed TCP connections. The channel
// identity of an endpoint is its dialable host:port.
type TCPTransport struct{}

// NewTCPTransport creates the bundled TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// NewEndpoint starts listening and returns the endpoint.
func (t *TCPTransport) NewEndpoint(config Config) (Endpoint, error) {
	address := config.ListenAddress
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}

	channelID := config.AdvertiseAddress
	if channelID == "" {
		channelID = listener.Addr().String()
	}

	ep := &tcpEndpoint{
		listener:  listener,
		channelID: channelID,
		accepts:   make(chan Channel, acceptQueueSize),
		done:      make(chan struct{}),
	}
	go ep.acceptLoop()
	return ep, nil
}

type tcpEndpoint struct {
	listener  net.Listener
	channelID string

	accepts chan Channel

	closeOnce sync.Once
	done      chan struct{}
}

func (ep *tcpEndpoint) ChannelID() string {
	return ep.channelID
}

func (ep *tcpEndpoint) Accept() <-chan Channel {
	return ep.accepts
}

func (ep *tcpEndpoint) Done() <-chan struct{} {
	return ep.done
}

func (ep *tcpEndpoint) Close() error {
	ep.closeOnce.Do(func() {
		_ = ep.listener.Close()
		close(ep.done)
	})
	return nil
}

func (ep *tcpEndpoint) acceptLoop() {
	for {
		conn, err := ep.listener.Accept()
		if err != nil {
			ep.Close()
			return
		}
		go ep.handleInbound(conn)
	}
}

// handleInbound runs the identity exchange for an accepted connection: the
// dialer speaks first, the acceptor replies with its own identity.
func (ep *tcpEndpoint) handleInbound(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(helloTimeout))

	kind, payload, err := readWireFrame(conn)
	if err != nil || kind != kindHello {
		_ = conn.Close()
		return
	}
	var hello helloPayload
	if err := json.Unmarshal(payload, &hello); err != nil || hello.ChannelID == "" {
		_ = conn.Close()
		return
	}

	reply, err := json.Marshal(helloPayload{ChannelID: ep.channelID})
	if err != nil {
		_ = conn.Close()
		return
	}
	if err := writeWireFrame(conn, kindHello, reply); err != nil {
		_ = conn.Close()
		return
	}

	_ = conn.SetDeadline(time.Time{})

	ch := newTCPChannel(conn, hello.ChannelID)
	select {
	case ep.accepts <- ch:
	case <-ep.done:
		_ = ch.Close()
	}
}

// Dial opens an outbound channel. The remote channel identity doubles as the
// dial address.
func (ep *tcpEndpoint) Dial(ctx context.Context, remoteChannelID string) (Channel, error) {
	if remoteChannelID == "" {
		return nil, errors.New("channel: remote channel ID is required")
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", remoteChannelID)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", remoteChannelID, err)
	}

	deadline := time.Now().Add(helloTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	hello, err := json.Marshal(helloPayload{ChannelID: ep.channelID})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := writeWireFrame(conn, kindHello, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	kind, payload, err := readWireFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello reply: %w", err)
	}
	if kind != kindHello {
		_ = conn.Close()
		return nil, errors.New("channel: unexpected frame during hello exchange")
	}
	var reply helloPayload
	if err := json.Unmarshal(payload, &reply); err != nil || reply.ChannelID == "" {
		_ = conn.Close()
		return nil, errors.New("channel: invalid hello reply")
	}

	_ = conn.SetDeadline(time.Time{})

	return newTCPChannel(conn, reply.ChannelID), nil
}

type tcpChannel struct {
	conn     net.Conn
	remoteID string

	frames chan Frame
	ready  chan struct{}

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newTCPChannel(conn net.Conn, remoteID string) *tcpChannel {
	ch := &tcpChannel{
		conn:     conn,
		remoteID: remoteID,
		frames:   make(chan Frame, inboundQueueSize),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
	// The hello exchange already completed; the channel is open for
	// traffic from the start.
	close(ch.ready)
	go ch.readLoop()
	return ch
}

func (ch *tcpChannel) RemoteID() string {
	return ch.remoteID
}

func (ch *tcpChannel) Frames() <-chan Frame {
	return ch.frames
}

func (ch *tcpChannel) Ready() <-chan struct{} {
	return ch.ready
}

func (ch *tcpChannel) Done() <-chan struct{} {
	return ch.closed
}

func (ch *tcpChannel) LastError() error {
	ch.errMu.RLock()
	defer ch.errMu.RUnlock()
	return ch.closeErr
}

func (ch *tcpChannel) Send(frame Frame) error {
	select {
	case <-ch.closed:
		if err := ch.LastError(); err != nil {
			return err
		}
		return ErrChannelClosed
	default:
	}

	kind := kindText
	if frame.Binary {
		kind = kindBinary
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	if err := writeWireFrame(ch.conn, kind, frame.Data); err != nil {
		ch.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

func (ch *tcpChannel) Close() error {
	ch.closeWithError(nil)
	return nil
}

func (ch *tcpChannel) readLoop() {
	for {
		kind, payload, err := readWireFrame(ch.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				ch.closeWithError(nil)
				return
			}
			ch.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		if kind != kindText && kind != kindBinary {
			continue
		}

		select {
		case ch.frames <- Frame{Binary: kind == kindBinary, Data: payload}:
		case <-ch.closed:
			return
		}
	}
}

func (ch *tcpChannel) closeWithError(err error) {
	ch.closeOnce.Do(func() {
		ch.errMu.Lock()
		ch.closeErr = err
		ch.errMu.Unlock()

		_ = ch.conn.Close()
		close(ch.closed)
	})
}
