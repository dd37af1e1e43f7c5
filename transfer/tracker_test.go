package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"blink/models"
)

func beginTestTransfer(t *testing.T, tracker *Tracker, id string) {
	t.Helper()
	tracker.Begin(models.Transfer{
		ID:       id,
		FileName: "file.bin",
		FileSize: 1024,
		Status:   models.TransferSending,
	})
}

func TestProgressIsMonotonic(t *testing.T) {
	tracker := NewTracker()
	beginTestTransfer(t, tracker, "t-1")

	tracker.Progress("t-1", 40, 0)
	tracker.Progress("t-1", 20, 0)

	got, _ := tracker.Get("t-1")
	if got.Progress != 40 {
		t.Fatalf("expected progress to stay at 40, got %v", got.Progress)
	}

	tracker.Progress("t-1", 60, 0)
	got, _ = tracker.Get("t-1")
	if got.Progress != 60 {
		t.Fatalf("expected progress 60, got %v", got.Progress)
	}
}

func TestActiveProgressNeverReaches100(t *testing.T) {
	tracker := NewTracker()
	beginTestTransfer(t, tracker, "t-1")

	tracker.Progress("t-1", 100, 0)
	got, _ := tracker.Get("t-1")
	if got.Progress >= 100 {
		t.Fatalf("active transfer must stay below 100, got %v", got.Progress)
	}
	if got.Status != models.TransferSending {
		t.Fatalf("unexpected status %q", got.Status)
	}
}

func TestCompleteSettlesOnceAt100(t *testing.T) {
	tracker := NewTracker()
	beginTestTransfer(t, tracker, "t-1")
	tracker.Progress("t-1", 50, 0)

	tracker.Complete("t-1")

	got, ok := tracker.Get("t-1")
	if !ok || got.Status != models.TransferCompleted || got.Progress != 100 {
		t.Fatalf("unexpected settled state: %+v", got)
	}
	if got.EndTime == 0 {
		t.Fatal("expected end time to be stamped")
	}

	// A second settlement must not move the transfer again.
	tracker.Fail("t-1")
	if len(tracker.Failed()) != 0 {
		t.Fatal("completed transfer must not move to failed")
	}
	if len(tracker.Completed()) != 1 {
		t.Fatalf("expected exactly one completed transfer, got %d", len(tracker.Completed()))
	}
}

func TestFailKeepsProgress(t *testing.T) {
	tracker := NewTracker()
	beginTestTransfer(t, tracker, "t-1")
	tracker.Progress("t-1", 30, 0)

	tracker.Fail("t-1")

	got, _ := tracker.Get("t-1")
	if got.Status != models.TransferFailed || got.Progress != 30 {
		t.Fatalf("unexpected failed state: %+v", got)
	}

	// Progress updates after settlement are ignored.
	tracker.Progress("t-1", 90, 0)
	got, _ = tracker.Get("t-1")
	if got.Progress != 30 {
		t.Fatalf("expected progress frozen at 30, got %v", got.Progress)
	}
}

func TestOnUpdateSeesEveryTransition(t *testing.T) {
	tracker := NewTracker()

	var seen []models.TransferStatus
	tracker.OnUpdate(func(transfer models.Transfer) {
		seen = append(seen, transfer.Status)
	})

	beginTestTransfer(t, tracker, "t-1")
	tracker.Progress("t-1", 50, 0)
	tracker.Complete("t-1")

	want := []models.TransferStatus{
		models.TransferSending,
		models.TransferSending,
		models.TransferCompleted,
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d updates, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("update %d: got %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestDirSaverSuffixesCollidingNames(t *testing.T) {
	dir := t.TempDir()
	saver := DirSaver{Dir: dir}

	for i, want := range []string{"report.txt", "report (1).txt", "report (2).txt"} {
		file, path, err := saver.Create("report.txt")
		if err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		if filepath.Base(path) != want {
			t.Fatalf("Create %d: got %q, want %q", i, filepath.Base(path), want)
		}
		if err := file.Close(); err != nil {
			t.Fatalf("close %s: %v", path, err)
		}
	}
}

func TestDirSaverStripsPathComponents(t *testing.T) {
	dir := t.TempDir()
	saver := DirSaver{Dir: dir}

	file, path, err := saver.Create("../../etc/passwd")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer file.Close()

	if filepath.Dir(path) != dir {
		t.Fatalf("expected file inside %s, got %s", dir, path)
	}
	if filepath.Base(path) != "passwd" {
		t.Fatalf("unexpected file name %q", filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat created file: %v", err)
	}
}

func TestTotalProgressAveragesActiveTransfers(t *testing.T) {
	tracker := NewTracker()

	if got := tracker.TotalProgress(); got != 0 {
		t.Fatalf("idle TotalProgress = %v, want 0", got)
	}

	beginTestTransfer(t, tracker, "t1")
	beginTestTransfer(t, tracker, "t2")
	tracker.Progress("t1", 40, 0)
	tracker.Progress("t2", 80, 0)

	if got := tracker.TotalProgress(); got != 60 {
		t.Fatalf("TotalProgress = %v, want 60", got)
	}

	tracker.Complete("t2")
	if got := tracker.TotalProgress(); got != 40 {
		t.Fatalf("TotalProgress after settle = %v, want 40", got)
	}
}

func TestClearCompletedKeepsActiveAndFailed(t *testing.T) {
	tracker := NewTracker()

	beginTestTransfer(t, tracker, "done")
	tracker.Complete("done")
	beginTestTransfer(t, tracker, "broken")
	tracker.Fail("broken")
	beginTestTransfer(t, tracker, "running")

	tracker.ClearCompleted()

	if got := len(tracker.Completed()); got != 0 {
		t.Fatalf("Completed has %d entries after clear", got)
	}
	if got := len(tracker.Failed()); got != 1 {
		t.Fatalf("Failed has %d entries, want 1", got)
	}
	if _, ok := tracker.Get("running"); !ok {
		t.Fatal("running transfer was dropped by ClearCompleted")
	}
}

func TestRemoveForgetsTransferAnywhere(t *testing.T) {
	tracker := NewTracker()

	beginTestTransfer(t, tracker, "running")
	beginTestTransfer(t, tracker, "done")
	tracker.Complete("done")

	tracker.Remove("running")
	tracker.Remove("done")

	if _, ok := tracker.Get("running"); ok {
		t.Fatal("active transfer survived Remove")
	}
	if _, ok := tracker.Get("done"); ok {
		t.Fatal("completed transfer survived Remove")
	}
}
