package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"blink/models"
)

const (
	TypeInit         = "init"
	TypeAnnounce     = "announce"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeSignal       = "signal"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

const (
	// MaxDeviceIDLength bounds announced device ids.
	MaxDeviceIDLength = 64
	// MaxDeviceNameLength bounds announced device names.
	MaxDeviceNameLength = 128
	// MaxChannelIDLength bounds announced channel identities.
	MaxChannelIDLength = 128
)

var (
	// ErrInvalidFrameType indicates a missing or unknown frame type.
	ErrInvalidFrameType = errors.New("signaling: invalid frame type")
	// ErrInvalidDevice indicates an announce payload failed validation.
	ErrInvalidDevice = errors.New("signaling: invalid device")
)

// Frame is the decoded form of one relay protocol message. Type selects which
// of the remaining fields are meaningful; Decode is the single validating
// parse step at the protocol boundary.
type Frame struct {
	Type string `json:"type"`

	// init (relay -> client)
	PeerID string `json:"peerId,omitempty"`

	// announce (client -> relay), peer-joined (relay -> clients)
	DeviceInfo *models.Device `json:"deviceInfo,omitempty"`

	// signal routing
	TargetPeer string          `json:"targetPeer,omitempty"`
	FromPeer   string          `json:"fromPeer,omitempty"`
	Signal     json.RawMessage `json:"signal,omitempty"`
}

// Decode parses one relay frame and verifies its type tag.
func Decode(payload []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode signaling frame: %w", err)
	}

	switch frame.Type {
	case TypeInit, TypeAnnounce, TypePeerJoined, TypePeerLeft,
		TypeSignal, TypeOffer, TypeAnswer, TypeICECandidate:
		return frame, nil
	default:
		return Frame{}, ErrInvalidFrameType
	}
}

// Encode marshals a frame for the wire.
func Encode(frame Frame) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode signaling frame: %w", err)
	}
	return payload, nil
}

// SanitizeDevice validates and bounds an announced device.
//
// A device without a non-empty id, name, and channel identity is rejected.
// Oversized fields are clamped rather than rejected, and a missing platform
// defaults to Unknown.
func SanitizeDevice(device models.Device) (models.Device, error) {
	if device.ID == "" || device.Name == "" || device.ChannelID == "" {
		return models.Device{}, ErrInvalidDevice
	}

	device.ID = clamp(device.ID, MaxDeviceIDLength)
	device.Name = clamp(device.Name, MaxDeviceNameLength)
	device.ChannelID = clamp(device.ChannelID, MaxChannelIDLength)
	if device.Platform == "" {
		device.Platform = models.PlatformUnknown
	}

	return device, nil
}

func clamp(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max])
}
