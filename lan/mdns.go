// Package lan advertises and discovers agents on the local network over
// mDNS. It complements the relay-based discovery path: agents that share a
// network segment can find each other even when no relay is reachable.
package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"blink/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_blink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the mDNS announcer and scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID string
	DeviceName   string
	Platform     models.Platform
	ChannelID    string
	ListenPort   int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Platform == "" {
		out.Platform = models.PlatformUnknown
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("lan: self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("lan: device name is required")
	}
	if strings.TrimSpace(c.ChannelID) == "" {
		return errors.New("lan: channel ID is required")
	}
	if c.ListenPort <= 0 {
		return errors.New("lan: listen port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("lan: self device ID is required")
	}
	return nil
}

// Announcer advertises the local agent's presence and channel identity.
type Announcer struct {
	server *zeroconf.Server
}

// StartAnnouncer registers the agent's mDNS record.
func StartAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"device_name=" + cfg.DeviceName,
		"platform=" + string(cfg.Platform),
		"channel_id=" + cfg.ChannelID,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListenPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{server: server}, nil
}

// Stop withdraws the mDNS record.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service coordinates announcing and scanning with one config.
type Service struct {
	Announcer *Announcer
	Scanner   *Scanner
}

// Start starts the announcer and scanner together.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	announcer, err := StartAnnouncer(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		announcer.Stop()
		return nil, err
	}

	return &Service{
		Announcer: announcer,
		Scanner:   scanner,
	}, nil
}

// Stop stops the scanner and announcer.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Announcer != nil {
		s.Announcer.Stop()
	}
}
