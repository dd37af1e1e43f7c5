package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"blink/channel"
	"blink/config"
	"blink/discovery"
	"blink/lan"
	"blink/models"
	"blink/storage"
	"blink/transfer"
)

func main() {
	sendPath := flag.String("send", "", "path of a file to send; exits after the transfer settles")
	sendTo := flag.String("to", "", "target for -send: a device name or channel ID")
	sendWait := flag.Duration("wait", 15*time.Second, "how long to wait for the -to device to appear")
	flag.Parse()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	dataDir := filepath.Dir(cfgPath)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	manager, err := channel.NewManager(channel.NewTCPTransport(), channel.Config{
		ICEServers:       cfg.ICEServers,
		ListenAddress:    cfg.ListenAddress,
		AdvertiseAddress: cfg.AdvertiseAddress,
	})
	if err != nil {
		log.Fatalf("startup failed while creating channel manager: %v", err)
	}
	channelID, err := manager.Init()
	if err != nil {
		log.Fatalf("startup failed while opening channel endpoint: %v", err)
	}
	defer manager.Destroy()

	tracker := transfer.NewTracker()
	engine := transfer.NewEngine(tracker, transfer.DirSaver{Dir: cfg.DownloadsDir})
	manager.OnConnection(engine.AttachReceiver)

	history := newHistoryRecorder(store)
	tracker.OnUpdate(history.record)

	client, err := discovery.NewClient(discovery.Options{
		RelayURL:   cfg.RelayURL,
		DeviceName: cfg.DeviceName,
		Identity:   identityStore{store},
	})
	if err != nil {
		log.Fatalf("startup failed while preparing device identity: %v", err)
	}
	self := client.Self()

	fmt.Printf("Device ID:       %s\n", self.ID)
	fmt.Printf("Device Name:     %s\n", self.Name)
	fmt.Printf("Channel ID:      %s\n", channelID)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Downloads Dir:   %s\n", cfg.DownloadsDir)

	if err := client.Connect(); err != nil {
		log.Printf("relay connect failed (will not retry until restart): %v", err)
	} else {
		defer client.Disconnect()
		if err := client.SetChannelID(channelID); err != nil {
			log.Printf("announce failed: %v", err)
		}
		fmt.Printf("Relay:           %s\n", cfg.RelayURL)
	}
	go logDiscoveryEvents(client.Events())

	if lanService, err := startLAN(self, channelID); err != nil {
		log.Printf("lan discovery startup failed: %v", err)
	} else {
		defer lanService.Stop()
		go logLANEvents(lanService.Scanner.Events())
		fmt.Println("LAN Discovery:   running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *sendPath != "" {
		if err := runSend(ctx, client, manager, engine, *sendPath, *sendTo, *sendWait); err != nil {
			log.Fatalf("send failed: %v", err)
		}
		return
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// runSend resolves the target, opens a channel, and streams the file. The
// engine's send path is synchronous, so a nil return means the transfer
// settled as completed.
func runSend(ctx context.Context, client *discovery.Client, manager *channel.Manager, engine *transfer.Engine, path, target string, wait time.Duration) error {
	if target == "" {
		return errors.New("-to is required with -send")
	}

	remoteID, err := resolveTarget(ctx, client, target, wait)
	if err != nil {
		return err
	}

	ch, err := manager.Connect(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", remoteID, err)
	}

	if _, err := engine.SendFile(ch, path); err != nil {
		return err
	}
	fmt.Printf("Sent:            %s -> %s\n", filepath.Base(path), remoteID)
	return nil
}

// resolveTarget maps a device name or channel ID to a dialable channel ID,
// waiting for the device to show up on the relay when necessary.
func resolveTarget(ctx context.Context, client *discovery.Client, target string, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	for {
		for _, device := range client.Devices() {
			if device.ChannelID == target || device.Name == target {
				return device.ChannelID, nil
			}
		}
		if !client.Connected() || time.Now().After(deadline) {
			// Channel IDs are dialable addresses, so an unknown target
			// that looks like one is attempted directly.
			if _, _, err := net.SplitHostPort(target); err == nil {
				return target, nil
			}
			return "", fmt.Errorf("device %q not found", target)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func startLAN(self models.Device, channelID string) (*lan.Service, error) {
	_, portStr, err := net.SplitHostPort(channelID)
	if err != nil {
		return nil, fmt.Errorf("channel ID %q has no port: %w", channelID, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("channel ID %q has no numeric port: %w", channelID, err)
	}

	return lan.Start(lan.Config{
		SelfDeviceID: self.ID,
		DeviceName:   self.Name,
		Platform:     self.Platform,
		ChannelID:    channelID,
		ListenPort:   port,
	})
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventConnected:
			log.Printf("discovery: relay session established")
		case discovery.EventDisconnected:
			log.Printf("discovery: relay session lost")
		case discovery.EventDeviceJoined:
			log.Printf("discovery: device available name=%q channel=%s platform=%s",
				event.Device.Name, event.Device.ChannelID, event.Device.Platform)
		case discovery.EventDeviceLeft:
			log.Printf("discovery: device left channel=%s", event.ChannelID)
		case discovery.EventSignal:
			log.Printf("discovery: signal type=%s from=%s", event.Frame.Type, event.Frame.FromPeer)
		}
	}
}

func logLANEvents(events <-chan lan.Event) {
	for event := range events {
		switch event.Type {
		case lan.EventPeerUpserted:
			log.Printf("lan: peer available name=%q channel=%s", event.Peer.DeviceName, event.Peer.ChannelID)
		case lan.EventPeerRemoved:
			log.Printf("lan: peer removed id=%s", event.Peer.DeviceID)
		}
	}
}

// identityStore adapts storage.Store to the discovery identity interface.
type identityStore struct {
	store *storage.Store
}

func (s identityStore) GetSetting(key string) (string, error) {
	value, err := s.store.GetSetting(key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", discovery.ErrSettingNotFound
	}
	return value, err
}

func (s identityStore) SetSetting(key, value string) error {
	return s.store.SetSetting(key, value)
}

// historyRecorder mirrors tracker updates into the transfers table.
type historyRecorder struct {
	store *storage.Store

	mu         sync.Mutex
	directions map[string]string
}

func newHistoryRecorder(store *storage.Store) *historyRecorder {
	return &historyRecorder{
		store:      store,
		directions: make(map[string]string),
	}
}

func (h *historyRecorder) record(t models.Transfer) {
	h.mu.Lock()
	direction, ok := h.directions[t.ID]
	if !ok {
		direction = storage.DirectionSend
		if t.Status == models.TransferReceiving {
			direction = storage.DirectionReceive
		}
		h.directions[t.ID] = direction
	}
	if t.Status.Terminal() {
		delete(h.directions, t.ID)
	}
	h.mu.Unlock()

	record := storage.TransferRecord{
		TransferID: t.ID,
		Direction:  direction,
		FileName:   t.FileName,
		FileSize:   t.FileSize,
		Status:     string(t.Status),
		Progress:   t.Progress,
		StartedAt:  t.StartTime,
		EndedAt:    t.EndTime,
	}
	if err := h.store.SaveTransfer(record); err != nil {
		log.Printf("transfer history write failed: %v", err)
	}
}
