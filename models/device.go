package models

// Platform identifies the operating system a device reports.
type Platform string

const (
	PlatformWindows Platform = "Windows"
	PlatformMacOS   Platform = "macOS"
	PlatformLinux   Platform = "Linux"
	PlatformAndroid Platform = "Android"
	PlatformIOS     Platform = "iOS"
	PlatformUnknown Platform = "Unknown"
	PlatformServer  Platform = "Server"
)

// Device describes a discoverable endpoint on the network.
//
// ID is a locally generated, locally persisted identifier that stays stable
// across sessions on the same client storage. ChannelID is assigned by the
// peer-channel transport once it initializes and is distinct from any
// relay-connection identifier.
type Device struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Platform  Platform `json:"platform"`
	IP        string   `json:"ip,omitempty"`
	Timestamp int64    `json:"timestamp"`
	ChannelID string   `json:"channelId,omitempty"`
}
