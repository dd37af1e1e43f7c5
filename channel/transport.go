// Package channel manages peer-to-peer data channels. A Manager owns one
// local endpoint on a pluggable transport and tracks every live channel to a
// remote peer, keyed by the remote channel identity.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("channel: frame exceeds max size")
	// ErrChannelClosed indicates the channel is no longer usable.
	ErrChannelClosed = errors.New("channel: closed")
)

// MaxFrameSize is the maximum accepted frame payload size (10 MB).
const MaxFrameSize = 10 * 1024 * 1024

// Frame is one unit of channel payload. Text frames carry JSON control
// messages, binary frames carry raw chunk bytes.
type Frame struct {
	Binary bool
	Data   []byte
}

// TextFrame builds a text frame.
func TextFrame(data []byte) Frame {
	return Frame{Data: data}
}

// BinaryFrame builds a binary frame.
func BinaryFrame(data []byte) Frame {
	return Frame{Binary: true, Data: data}
}

// Config controls endpoint initialization.
type Config struct {
	// ICEServers lists connectivity servers handed to the transport.
	// Transports that do not need them still receive them.
	ICEServers []string
	// ListenAddress is where the endpoint accepts inbound channels.
	ListenAddress string
	// AdvertiseAddress overrides the dialable identity derived from the
	// listener. Required when the listen address is not reachable as-is.
	AdvertiseAddress string
}

// Channel is a bidirectional frame pipe to one remote endpoint. Inbound
// frames accumulate in the Frames buffer until a reader attaches; nothing is
// dropped while the buffer has room.
type Channel interface {
	// RemoteID is the channel identity of the remote endpoint.
	RemoteID() string
	// Send writes one frame. It reports ErrChannelClosed after Done.
	Send(frame Frame) error
	// Frames delivers inbound frames in arrival order.
	Frames() <-chan Frame
	// Ready is closed once the channel is open for traffic.
	Ready() <-chan struct{}
	// Done is closed when the channel terminates for any reason.
	Done() <-chan struct{}
	// LastError returns the terminal error, nil for a clean close.
	LastError() error
	Close() error
}

// Endpoint is this agent's dialable identity on a transport.
type Endpoint interface {
	// ChannelID is the identity remote peers dial to reach this endpoint.
	ChannelID() string
	// Dial opens an outbound channel to a remote channel identity.
	Dial(ctx context.Context, remoteChannelID string) (Channel, error)
	// Accept delivers inbound channels.
	Accept() <-chan Channel
	// Done is closed when the endpoint stops accepting.
	Done() <-chan struct{}
	Close() error
}

// Transport creates endpoints.
type Transport interface {
	NewEndpoint(config Config) (Endpoint, error)
}
