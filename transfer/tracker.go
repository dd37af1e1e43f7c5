package transfer

import (
	"sync"
	"time"

	"blink/models"
)

// maxActiveProgress is the ceiling for progress reported on a still-running
// transfer. Only completion moves progress to 100.
const maxActiveProgress = 99.9

// Tracker keeps the lifecycle state of every transfer: active transfers move
// exactly once into the completed or failed list, and progress on an active
// transfer never decreases.
type Tracker struct {
	mu        sync.Mutex
	active    map[string]*models.Transfer
	completed []models.Transfer
	failed    []models.Transfer
	onUpdate  func(models.Transfer)
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active: make(map[string]*models.Transfer),
	}
}

// OnUpdate registers a callback invoked after every state change with a copy
// of the transfer. At most one callback is supported.
func (t *Tracker) OnUpdate(fn func(models.Transfer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpdate = fn
}

// Begin registers a transfer as active. A zero status defaults to pending
// and a zero start time is stamped now.
func (t *Tracker) Begin(transfer models.Transfer) {
	if transfer.Status == "" {
		transfer.Status = models.TransferPending
	}
	if transfer.StartTime == 0 {
		transfer.StartTime = time.Now().UnixMilli()
	}

	t.mu.Lock()
	if _, exists := t.active[transfer.ID]; exists {
		t.mu.Unlock()
		return
	}
	t.active[transfer.ID] = &transfer
	callback, snapshot := t.onUpdate, transfer
	t.mu.Unlock()

	if callback != nil {
		callback(snapshot)
	}
}

// Progress updates progress and speed for an active transfer. Values are
// clamped so progress never decreases and never reaches 100 while active.
// Updates for unknown or settled transfers are ignored.
func (t *Tracker) Progress(id string, progress, speed float64) {
	t.mu.Lock()
	transfer, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return
	}

	if progress < transfer.Progress {
		progress = transfer.Progress
	}
	if progress > maxActiveProgress {
		progress = maxActiveProgress
	}
	transfer.Progress = progress
	transfer.Speed = speed
	callback, snapshot := t.onUpdate, *transfer
	t.mu.Unlock()

	if callback != nil {
		callback(snapshot)
	}
}

// SetStatus switches an active transfer between its active statuses. Terminal
// statuses must go through Complete or Fail.
func (t *Tracker) SetStatus(id string, status models.TransferStatus) {
	if status.Terminal() {
		return
	}

	t.mu.Lock()
	transfer, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	transfer.Status = status
	callback, snapshot := t.onUpdate, *transfer
	t.mu.Unlock()

	if callback != nil {
		callback(snapshot)
	}
}

// Complete settles a transfer as completed with progress 100. A second
// settlement attempt is ignored.
func (t *Tracker) Complete(id string) {
	t.settle(id, models.TransferCompleted)
}

// Fail settles a transfer as failed. Progress stays where it was. A second
// settlement attempt is ignored.
func (t *Tracker) Fail(id string) {
	t.settle(id, models.TransferFailed)
}

func (t *Tracker) settle(id string, status models.TransferStatus) {
	t.mu.Lock()
	transfer, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.active, id)

	transfer.Status = status
	transfer.EndTime = time.Now().UnixMilli()
	if status == models.TransferCompleted {
		transfer.Progress = 100
	}

	if status == models.TransferCompleted {
		t.completed = append(t.completed, *transfer)
	} else {
		t.failed = append(t.failed, *transfer)
	}
	callback, snapshot := t.onUpdate, *transfer
	t.mu.Unlock()

	if callback != nil {
		callback(snapshot)
	}
}

// Get returns a copy of a transfer in any state.
func (t *Tracker) Get(id string) (models.Transfer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if transfer, ok := t.active[id]; ok {
		return *transfer, true
	}
	for i := range t.completed {
		if t.completed[i].ID == id {
			return t.completed[i], true
		}
	}
	for i := range t.failed {
		if t.failed[i].ID == id {
			return t.failed[i], true
		}
	}
	return models.Transfer{}, false
}

// Active returns copies of all running transfers.
func (t *Tracker) Active() []models.Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.Transfer, 0, len(t.active))
	for _, transfer := range t.active {
		out = append(out, *transfer)
	}
	return out
}

// Completed returns settled successful transfers in completion order.
func (t *Tracker) Completed() []models.Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Transfer(nil), t.completed...)
}

// Failed returns settled failed transfers in failure order.
func (t *Tracker) Failed() []models.Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Transfer(nil), t.failed...)
}

// TotalProgress is the mean progress across running transfers, 0 when none
// are running.
func (t *Tracker) TotalProgress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.active) == 0 {
		return 0
	}
	var sum float64
	for _, transfer := range t.active {
		sum += transfer.Progress
	}
	return sum / float64(len(t.active))
}

// ClearCompleted drops the completed history.
func (t *Tracker) ClearCompleted() {
	t.mu.Lock()
	t.completed = nil
	t.mu.Unlock()
}

// Remove forgets a transfer regardless of where it sits.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.active, id)
	t.completed = withoutTransfer(t.completed, id)
	t.failed = withoutTransfer(t.failed, id)
	t.mu.Unlock()
}

func withoutTransfer(list []models.Transfer, id string) []models.Transfer {
	for i := range list {
		if list[i].ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
