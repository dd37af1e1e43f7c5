// Package transfer moves files over peer data channels in fixed-size chunks
// and tracks the lifecycle of every transfer, sent or received.
//
// The wire protocol per file is a file-meta control message, then for every
// chunk a file-chunk control message immediately followed by one binary frame
// with the chunk bytes, then a file-complete control message. Control
// messages are JSON text frames; a binary frame always belongs to the
// transfer named by the preceding file-chunk message on the same channel.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"blink/channel"
	"blink/models"
)

// ChunkSize is the fixed payload size of one binary chunk frame.
const ChunkSize = 64 * 1024

const (
	msgFileMeta     = "file-meta"
	msgFileChunk    = "file-chunk"
	msgFileComplete = "file-complete"
)

// dangerousExtensions flags file types that commonly carry executables. A
// match is logged as a warning; the file is still saved.
var dangerousExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".com": {}, ".scr": {}, ".pif": {},
	".msi": {}, ".jar": {}, ".vbs": {}, ".js": {}, ".wsf": {}, ".ps1": {},
	".sh": {}, ".app": {}, ".deb": {}, ".rpm": {}, ".dmg": {}, ".apk": {},
}

type controlMessage struct {
	Type         string `json:"type"`
	TransferID   string `json:"transferId,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	FileSize     int64  `json:"fileSize,omitempty"`
	FileType     string `json:"fileType,omitempty"`
	LastModified int64  `json:"lastModified,omitempty"`
	ChunkIndex   int    `json:"chunkIndex,omitempty"`
	TotalChunks  int    `json:"totalChunks,omitempty"`
}

// Engine sends and receives files over channels.
type Engine struct {
	tracker *Tracker
	saver   Saver

	mu      sync.Mutex
	inbound map[string]*inboundTransfer
	locks   map[channel.Channel]*sync.Mutex
}

// NewEngine creates an engine. Received files go through saver; every
// transfer is registered with tracker.
func NewEngine(tracker *Tracker, saver Saver) *Engine {
	return &Engine{
		tracker: tracker,
		saver:   saver,
		inbound: make(map[string]*inboundTransfer),
		locks:   make(map[channel.Channel]*sync.Mutex),
	}
}

// Tracker returns the engine's transfer tracker.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// SendFile streams a file from disk to the peer on ch.
func (e *Engine) SendFile(ch channel.Channel, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	meta := models.FileMetadata{
		Name:         filepath.Base(path),
		Size:         info.Size(),
		Type:         mime.TypeByExtension(filepath.Ext(path)),
		LastModified: info.ModTime().UnixMilli(),
	}
	return e.Send(ch, meta, file)
}

// Send streams size bytes from r to the peer on ch. It returns the transfer
// ID; the outcome is also visible through the tracker.
func (e *Engine) Send(ch channel.Channel, meta models.FileMetadata, r io.Reader) (string, error) {
	id := uuid.NewString()
	totalChunks := int((meta.Size + ChunkSize - 1) / ChunkSize)

	e.tracker.Begin(models.Transfer{
		ID:       id,
		FileName: meta.Name,
		FileSize: meta.Size,
		Status:   models.TransferSending,
	})

	if err := e.sendChunks(ch, id, meta, totalChunks, r); err != nil {
		e.tracker.Fail(id)
		return id, err
	}

	e.tracker.Complete(id)
	return id, nil
}

func (e *Engine) sendChunks(ch channel.Channel, id string, meta models.FileMetadata, totalChunks int, r io.Reader) error {
	metaMsg, err := json.Marshal(controlMessage{
		Type:         msgFileMeta,
		TransferID:   id,
		FileName:     meta.Name,
		FileSize:     meta.Size,
		FileType:     meta.Type,
		LastModified: meta.LastModified,
		TotalChunks:  totalChunks,
	})
	if err != nil {
		return fmt.Errorf("marshal file-meta: %w", err)
	}
	if err := ch.Send(channel.TextFrame(metaMsg)); err != nil {
		return fmt.Errorf("send file-meta: %w", err)
	}

	start := time.Now()
	var sentBytes int64
	buf := make([]byte, ChunkSize)

	for index := 0; index < totalChunks; index++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read chunk %d: %w", index, err)
		}
		if n == 0 {
			return fmt.Errorf("read chunk %d: %w", index, io.ErrUnexpectedEOF)
		}

		chunkMsg, err := json.Marshal(controlMessage{
			Type:        msgFileChunk,
			TransferID:  id,
			ChunkIndex:  index,
			TotalChunks: totalChunks,
		})
		if err != nil {
			return fmt.Errorf("marshal file-chunk: %w", err)
		}

		// The chunk header and its binary payload must stay adjacent on
		// the wire; a concurrent send on the same channel would otherwise
		// break the correlation on the receiving side.
		lock := e.lockFor(ch)
		lock.Lock()
		err = ch.Send(channel.TextFrame(chunkMsg))
		if err == nil {
			err = ch.Send(channel.BinaryFrame(buf[:n]))
		}
		lock.Unlock()
		if err != nil {
			return fmt.Errorf("send chunk %d: %w", index, err)
		}

		sentBytes += int64(n)
		e.tracker.Progress(id,
			float64(index+1)/float64(totalChunks)*100,
			bytesPerSecond(sentBytes, time.Since(start)))
	}

	completeMsg, err := json.Marshal(controlMessage{Type: msgFileComplete, TransferID: id})
	if err != nil {
		return fmt.Errorf("marshal file-complete: %w", err)
	}
	if err := ch.Send(channel.TextFrame(completeMsg)); err != nil {
		return fmt.Errorf("send file-complete: %w", err)
	}
	return nil
}

func (e *Engine) lockFor(ch channel.Channel) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[ch]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[ch] = lock
	}
	return lock
}

// AttachReceiver consumes inbound frames on ch until the channel closes.
// Intended as a Manager connection observer.
func (e *Engine) AttachReceiver(ch channel.Channel) {
	go e.receiveLoop(ch)
}

func (e *Engine) receiveLoop(ch channel.Channel) {
	defer e.releaseChannel(ch)

	// A binary frame belongs to the transfer named by the preceding
	// file-chunk message on this channel.
	var pendingID string

	for {
		var frame channel.Frame
		select {
		case frame = <-ch.Frames():
		case <-ch.Done():
			return
		}

		if frame.Binary {
			if pendingID == "" {
				log.Printf("[transfer] dropping unexpected binary frame from %s", ch.RemoteID())
				continue
			}
			e.acceptChunk(pendingID, frame.Data)
			pendingID = ""
			continue
		}

		var msg controlMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			log.Printf("[transfer] dropping malformed control message from %s: %v", ch.RemoteID(), err)
			continue
		}

		switch msg.Type {
		case msgFileMeta:
			e.beginInbound(ch, msg)
		case msgFileChunk:
			pendingID = msg.TransferID
		case msgFileComplete:
			e.finishInbound(msg.TransferID)
		default:
			log.Printf("[transfer] ignoring unknown control message %q from %s", msg.Type, ch.RemoteID())
		}
	}
}

type inboundTransfer struct {
	id             string
	ch             channel.Channel
	meta           models.FileMetadata
	totalChunks    int
	receivedChunks int
	receivedBytes  int64
	startedAt      time.Time
	writer         io.WriteCloser
	path           string
}

func (e *Engine) beginInbound(ch channel.Channel, msg controlMessage) {
	if msg.TransferID == "" || msg.FileName == "" {
		log.Printf("[transfer] dropping file-meta without transfer ID or name")
		return
	}

	if ext := strings.ToLower(filepath.Ext(msg.FileName)); ext != "" {
		if _, dangerous := dangerousExtensions[ext]; dangerous {
			log.Printf("[transfer] warning: receiving potentially dangerous file type %q (%s)", ext, msg.FileName)
		}
	}

	writer, path, err := e.saver.Create(msg.FileName)
	if err != nil {
		log.Printf("[transfer] cannot create destination for %s: %v", msg.FileName, err)
		return
	}

	in := &inboundTransfer{
		id: msg.TransferID,
		ch: ch,
		meta: models.FileMetadata{
			Name:         msg.FileName,
			Size:         msg.FileSize,
			Type:         msg.FileType,
			LastModified: msg.LastModified,
		},
		totalChunks: msg.TotalChunks,
		startedAt:   time.Now(),
		writer:      writer,
		path:        path,
	}

	e.mu.Lock()
	e.inbound[msg.TransferID] = in
	e.mu.Unlock()

	e.tracker.Begin(models.Transfer{
		ID:       msg.TransferID,
		FileName: msg.FileName,
		FileSize: msg.FileSize,
		Status:   models.TransferReceiving,
	})
}

func (e *Engine) acceptChunk(id string, data []byte) {
	e.mu.Lock()
	in := e.inbound[id]
	e.mu.Unlock()
	if in == nil {
		log.Printf("[transfer] dropping chunk for unknown transfer %s", id)
		return
	}

	if _, err := in.writer.Write(data); err != nil {
		log.Printf("[transfer] write chunk for %s: %v", id, err)
		e.abortInbound(id)
		return
	}

	in.receivedChunks++
	in.receivedBytes += int64(len(data))

	e.tracker.Progress(id, in.progress(), bytesPerSecond(in.receivedBytes, time.Since(in.startedAt)))
}

// progress prefers the chunk count; a meta without totalChunks falls back to
// the byte count.
func (in *inboundTransfer) progress() float64 {
	if in.totalChunks > 0 {
		return float64(in.receivedChunks) / float64(in.totalChunks) * 100
	}
	if in.meta.Size > 0 {
		return float64(in.receivedBytes) / float64(in.meta.Size) * 100
	}
	return 0
}

func (e *Engine) finishInbound(id string) {
	e.mu.Lock()
	in := e.inbound[id]
	delete(e.inbound, id)
	e.mu.Unlock()
	if in == nil {
		return
	}

	if err := in.writer.Close(); err != nil {
		log.Printf("[transfer] close %s: %v", in.path, err)
		e.tracker.Fail(id)
		return
	}

	log.Printf("[transfer] received %s (%d bytes) -> %s", in.meta.Name, in.receivedBytes, in.path)
	e.tracker.Complete(id)
}

func (e *Engine) abortInbound(id string) {
	e.mu.Lock()
	in := e.inbound[id]
	delete(e.inbound, id)
	e.mu.Unlock()
	if in == nil {
		return
	}

	_ = in.writer.Close()
	_ = os.Remove(in.path)
	e.tracker.Fail(id)
}

// releaseChannel fails transfers that were still receiving when the channel
// closed and drops the channel's send lock.
func (e *Engine) releaseChannel(ch channel.Channel) {
	e.mu.Lock()
	delete(e.locks, ch)
	var orphaned []string
	for id, in := range e.inbound {
		if in.ch == ch {
			orphaned = append(orphaned, id)
		}
	}
	e.mu.Unlock()

	for _, id := range orphaned {
		e.abortInbound(id)
	}
}

func bytesPerSecond(bytes int64, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(bytes) / seconds
}
