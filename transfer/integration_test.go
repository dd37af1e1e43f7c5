package transfer

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"blink/channel"
	"blink/discovery"
	"blink/models"
	"blink/relay"
)

type agent struct {
	client  *discovery.Client
	manager *channel.Manager
	engine  *Engine
	chanID  string
	downDir string
}

func startAgent(t *testing.T, relayURL, name string) *agent {
	t.Helper()

	manager, err := channel.NewManager(channel.NewTCPTransport(), channel.Config{
		ICEServers:    []string{"stun:stun.example.org:3478", "stun:stun2.example.org:3478"},
		ListenAddress: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	chanID, err := manager.Init()
	if err != nil {
		t.Fatalf("init manager: %v", err)
	}
	t.Cleanup(manager.Destroy)

	downDir := t.TempDir()
	engine := NewEngine(NewTracker(), DirSaver{Dir: downDir})
	manager.OnConnection(engine.AttachReceiver)

	client, err := discovery.NewClient(discovery.Options{
		RelayURL:   relayURL,
		DeviceName: name,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Connect(); err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	t.Cleanup(client.Disconnect)
	if err := client.SetChannelID(chanID); err != nil {
		t.Fatalf("set channel id: %v", err)
	}

	return &agent{
		client:  client,
		manager: manager,
		engine:  engine,
		chanID:  chanID,
		downDir: downDir,
	}
}

func (a *agent) deviceByName(name string) (models.Device, bool) {
	for _, device := range a.client.Devices() {
		if device.Name == name {
			return device, true
		}
	}
	return models.Device{}, false
}

func TestEndToEndTransferOverRelayDiscovery(t *testing.T) {
	hub := relay.New()
	server := httptest.NewServer(hub.Handler())
	defer server.Close()
	relayURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	alice := startAgent(t, relayURL, "alice")
	bob := startAgent(t, relayURL, "bob")

	waitForCondition(t, 5*time.Second, func() bool {
		_, ok := alice.deviceByName("bob")
		return ok
	})
	bobDevice, _ := alice.deviceByName("bob")
	if bobDevice.ChannelID != bob.chanID {
		t.Fatalf("announced channel ID %q, want %q", bobDevice.ChannelID, bob.chanID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := alice.manager.Connect(ctx, bobDevice.ChannelID)
	if err != nil {
		t.Fatalf("connect channel: %v", err)
	}

	content := patternBytes(130 * 1024)
	id, err := alice.engine.Send(ch, models.FileMetadata{
		Name: "payload.bin",
		Size: int64(len(content)),
		Type: "application/octet-stream",
	}, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitForCondition(t, 10*time.Second, func() bool {
		sent, ok := alice.engine.Tracker().Get(id)
		if !ok || sent.Status != models.TransferCompleted {
			return false
		}
		received, ok := bob.engine.Tracker().Get(id)
		return ok && received.Status == models.TransferCompleted
	})

	sent, _ := alice.engine.Tracker().Get(id)
	if sent.Progress != 100 {
		t.Fatalf("sender progress = %v, want 100", sent.Progress)
	}
	received, _ := bob.engine.Tracker().Get(id)
	if received.Progress != 100 {
		t.Fatalf("receiver progress = %v, want 100", received.Progress)
	}

	saved, err := os.ReadFile(filepath.Join(bob.downDir, "payload.bin"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(saved, content) {
		t.Fatalf("received %d bytes, content differs from the %d sent", len(saved), len(content))
	}
}

func TestReplyOverDialedChannelReachesDialer(t *testing.T) {
	hub := relay.New()
	server := httptest.NewServer(hub.Handler())
	defer server.Close()
	relayURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	alice := startAgent(t, relayURL, "alice")
	bob := startAgent(t, relayURL, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := alice.manager.Connect(ctx, bob.chanID); err != nil {
		t.Fatalf("connect channel: %v", err)
	}

	var reply channel.Channel
	waitForCondition(t, 5*time.Second, func() bool {
		reply = bob.manager.ChannelTo(alice.chanID)
		return reply != nil
	})

	content := patternBytes(10 * 1024)
	id, err := bob.engine.Send(reply, models.FileMetadata{
		Name: "reply.bin",
		Size: int64(len(content)),
	}, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}

	waitForCondition(t, 10*time.Second, func() bool {
		received, ok := alice.engine.Tracker().Get(id)
		return ok && received.Status == models.TransferCompleted
	})

	saved, err := os.ReadFile(filepath.Join(alice.downDir, "reply.bin"))
	if err != nil {
		t.Fatalf("read reply file: %v", err)
	}
	if !bytes.Equal(saved, content) {
		t.Fatalf("reply content differs after transfer of %d bytes", len(content))
	}
}
