package transfer

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"blink/channel"
	"blink/models"
)

// pipeChannel is an in-memory channel.Channel; frames sent on one side are
// delivered to the peer in order.
type pipeChannel struct {
	remoteID string
	frames   chan channel.Frame
	peer     *pipeChannel

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipePair() (*pipeChannel, *pipeChannel) {
	a := &pipeChannel{
		remoteID: "peer-b",
		frames:   make(chan channel.Frame, 1024),
		closed:   make(chan struct{}),
	}
	b := &pipeChannel{
		remoteID: "peer-a",
		frames:   make(chan channel.Frame, 1024),
		closed:   make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeChannel) RemoteID() string              { return p.remoteID }
func (p *pipeChannel) Frames() <-chan channel.Frame  { return p.frames }
func (p *pipeChannel) Ready() <-chan struct{}        { ready := make(chan struct{}); close(ready); return ready }
func (p *pipeChannel) Done() <-chan struct{}         { return p.closed }
func (p *pipeChannel) LastError() error              { return nil }

func (p *pipeChannel) Send(frame channel.Frame) error {
	select {
	case <-p.closed:
		return channel.ErrChannelClosed
	default:
	}
	data := append([]byte(nil), frame.Data...)
	select {
	case p.peer.frames <- channel.Frame{Binary: frame.Binary, Data: data}:
		return nil
	case <-p.closed:
		return channel.ErrChannelClosed
	}
}

func (p *pipeChannel) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	p.peer.closeOnce.Do(func() { close(p.peer.closed) })
	return nil
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()

	dir := t.TempDir()
	return NewEngine(NewTracker(), DirSaver{Dir: dir}), dir
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func patternBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func sendBytes(t *testing.T, e *Engine, ch channel.Channel, name string, content []byte) string {
	t.Helper()

	id, err := e.Send(ch, models.FileMetadata{Name: name, Size: int64(len(content))}, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	return id
}

func TestSendReceiveRoundTrip(t *testing.T) {
	sender, _ := newTestEngine(t)
	receiver, dir := newTestEngine(t)

	a, b := newPipePair()
	receiver.AttachReceiver(b)

	content := patternBytes(130 * 1024)
	id := sendBytes(t, sender, a, "photo.png", content)

	waitForCondition(t, 2*time.Second, func() bool {
		return len(receiver.Tracker().Completed()) == 1
	})

	got, err := os.ReadFile(filepath.Join(dir, "photo.png"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("received content differs: %d bytes vs %d", len(got), len(content))
	}

	sent, ok := sender.Tracker().Get(id)
	if !ok || sent.Status != models.TransferCompleted || sent.Progress != 100 {
		t.Fatalf("unexpected sender transfer state: %+v", sent)
	}
	received := receiver.Tracker().Completed()[0]
	if received.Status != models.TransferCompleted || received.Progress != 100 {
		t.Fatalf("unexpected receiver transfer state: %+v", received)
	}
	if received.FileName != "photo.png" || received.FileSize != int64(len(content)) {
		t.Fatalf("unexpected receiver metadata: %+v", received)
	}
}

func TestChunkCountIsCeilOfSizeOverChunkSize(t *testing.T) {
	cases := []struct {
		size int
		want int
	}{
		{1, 1},
		{ChunkSize, 1},
		{ChunkSize + 1, 2},
		{3 * ChunkSize, 3},
	}

	for _, tc := range cases {
		sender, _ := newTestEngine(t)
		a, b := newPipePair()

		sendBytes(t, sender, a, "blob.bin", patternBytes(tc.size))

		chunkHeaders := 0
		binaryFrames := 0
		totalChunks := -1
	drain:
		for {
			select {
			case frame := <-b.frames:
				if frame.Binary {
					binaryFrames++
					continue
				}
				var msg controlMessage
				if err := json.Unmarshal(frame.Data, &msg); err != nil {
					t.Fatalf("malformed control message: %v", err)
				}
				if msg.Type == msgFileChunk {
					chunkHeaders++
					totalChunks = msg.TotalChunks
				}
			default:
				break drain
			}
		}

		if chunkHeaders != tc.want || binaryFrames != tc.want || totalChunks != tc.want {
			t.Fatalf("size %d: got %d headers, %d binary frames, totalChunks %d, want %d",
				tc.size, chunkHeaders, binaryFrames, totalChunks, tc.want)
		}
	}
}

func TestZeroByteFile(t *testing.T) {
	sender, _ := newTestEngine(t)
	receiver, dir := newTestEngine(t)

	a, b := newPipePair()
	receiver.AttachReceiver(b)

	sendBytes(t, sender, a, "empty.txt", nil)

	waitForCondition(t, 2*time.Second, func() bool {
		return len(receiver.Tracker().Completed()) == 1
	})

	info, err := os.Stat(filepath.Join(dir, "empty.txt"))
	if err != nil {
		t.Fatalf("stat received file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty file, got %d bytes", info.Size())
	}
}

func TestConcurrentSendsOnOneChannel(t *testing.T) {
	sender, _ := newTestEngine(t)
	receiver, dir := newTestEngine(t)

	a, b := newPipePair()
	receiver.AttachReceiver(b)

	first := patternBytes(5 * ChunkSize)
	second := patternBytes(3*ChunkSize + 17)

	errs := make(chan error, 2)
	go func() {
		_, err := sender.Send(a, models.FileMetadata{Name: "first.bin", Size: int64(len(first))}, bytes.NewReader(first))
		errs <- err
	}()
	go func() {
		_, err := sender.Send(a, models.FileMetadata{Name: "second.bin", Size: int64(len(second))}, bytes.NewReader(second))
		errs <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent send failed: %v", err)
		}
	}

	waitForCondition(t, 5*time.Second, func() bool {
		return len(receiver.Tracker().Completed()) == 2
	})

	gotFirst, err := os.ReadFile(filepath.Join(dir, "first.bin"))
	if err != nil {
		t.Fatalf("read first.bin: %v", err)
	}
	if !bytes.Equal(gotFirst, first) {
		t.Fatal("first.bin content corrupted by concurrent send")
	}
	gotSecond, err := os.ReadFile(filepath.Join(dir, "second.bin"))
	if err != nil {
		t.Fatalf("read second.bin: %v", err)
	}
	if !bytes.Equal(gotSecond, second) {
		t.Fatal("second.bin content corrupted by concurrent send")
	}
}

func TestDangerousExtensionIsWarnedButSaved(t *testing.T) {
	sender, _ := newTestEngine(t)
	receiver, dir := newTestEngine(t)

	a, b := newPipePair()
	receiver.AttachReceiver(b)

	content := []byte("MZ fake executable")
	sendBytes(t, sender, a, "setup.exe", content)

	waitForCondition(t, 2*time.Second, func() bool {
		return len(receiver.Tracker().Completed()) == 1
	})

	got, err := os.ReadFile(filepath.Join(dir, "setup.exe"))
	if err != nil {
		t.Fatalf("expected dangerous file to be saved anyway: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("dangerous file content differs")
	}
}

func TestUnexpectedBinaryFrameIsDropped(t *testing.T) {
	sender, _ := newTestEngine(t)
	receiver, _ := newTestEngine(t)

	a, b := newPipePair()
	receiver.AttachReceiver(b)

	if err := a.Send(channel.BinaryFrame([]byte{1, 2, 3})); err != nil {
		t.Fatalf("send stray binary frame: %v", err)
	}

	// The receiver must survive the stray frame and handle a real transfer.
	sendBytes(t, sender, a, "after.txt", []byte("still works"))
	waitForCondition(t, 2*time.Second, func() bool {
		return len(receiver.Tracker().Completed()) == 1
	})
}

func TestChannelCloseFailsUnfinishedInbound(t *testing.T) {
	receiver, dir := newTestEngine(t)

	a, b := newPipePair()
	receiver.AttachReceiver(b)

	meta, _ := json.Marshal(controlMessage{
		Type:        msgFileMeta,
		TransferID:  "t-1",
		FileName:    "partial.bin",
		FileSize:    2 * ChunkSize,
		TotalChunks: 2,
	})
	if err := a.Send(channel.TextFrame(meta)); err != nil {
		t.Fatalf("send meta: %v", err)
	}
	chunk, _ := json.Marshal(controlMessage{Type: msgFileChunk, TransferID: "t-1", ChunkIndex: 0, TotalChunks: 2})
	if err := a.Send(channel.TextFrame(chunk)); err != nil {
		t.Fatalf("send chunk header: %v", err)
	}
	if err := a.Send(channel.BinaryFrame(patternBytes(ChunkSize))); err != nil {
		t.Fatalf("send chunk payload: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		transfer, ok := receiver.Tracker().Get("t-1")
		return ok && transfer.Progress > 0
	})

	_ = a.Close()

	waitForCondition(t, 2*time.Second, func() bool {
		return len(receiver.Tracker().Failed()) == 1
	})

	if _, err := os.Stat(filepath.Join(dir, "partial.bin")); !os.IsNotExist(err) {
		t.Fatalf("expected partial file to be removed, stat err: %v", err)
	}
}

func TestSendFileFromDisk(t *testing.T) {
	sender, _ := newTestEngine(t)
	receiver, dir := newTestEngine(t)

	a, b := newPipePair()
	receiver.AttachReceiver(b)

	source := filepath.Join(t.TempDir(), "notes.txt")
	content := patternBytes(ChunkSize + 100)
	if err := os.WriteFile(source, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if _, err := sender.SendFile(a, source); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return len(receiver.Tracker().Completed()) == 1
	})

	got, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("received file content differs")
	}
}
