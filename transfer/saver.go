package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Saver decides where received files land.
type Saver interface {
	// Create opens a writable destination for a file name chosen by the
	// remote peer and returns it with the final local path.
	Create(name string) (io.WriteCloser, string, error)
}

// DirSaver writes received files into one directory, never overwriting: a
// taken name gets a numeric suffix before the extension.
type DirSaver struct {
	Dir string
}

// Create opens the destination file for an incoming transfer.
func (s DirSaver) Create(name string) (io.WriteCloser, string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create downloads dir: %w", err)
	}

	base := sanitizeFileName(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for attempt := 0; ; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, attempt, ext)
		}
		path := filepath.Join(s.Dir, candidate)

		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
	}
}

// sanitizeFileName strips any path components a remote peer may have put in
// the file name.
func sanitizeFileName(name string) string {
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "download"
	}
	return base
}
