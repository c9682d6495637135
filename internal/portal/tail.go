package portal

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tailPoll is the fallback cadence when fsnotify delivers nothing;
// growth between events is picked up here.
const tailPoll = 1 * time.Second

// tailer follows the service log and emits appended lines. Rotation
// (lumberjack renames the file and starts a new one) is detected by
// inode change or truncation, and the tailer reopens.
type tailer struct {
	path   string
	logger Logger
}

func newTailer(path string, logger Logger) *tailer {
	return &tailer{path: path, logger: logger}
}

func (t *tailer) run(ctx context.Context, emit func(line string)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("log watcher unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			t.logger.Warn("log directory watch failed", "error", err)
		}
	}

	var (
		file    *os.File
		reader  *bufio.Reader
		inode   uint64
		offset  int64
		partial string
	)
	reopen := func(fromStart bool) {
		if file != nil {
			file.Close()
			file = nil
		}
		partial = ""
		f, err := os.Open(t.path)
		if err != nil {
			return
		}
		ino, _ := fileInode(f)
		if !fromStart {
			offset, _ = f.Seek(0, io.SeekEnd)
		} else {
			offset = 0
		}
		file, reader, inode = f, bufio.NewReader(f), ino
	}
	reopen(false)
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	ticker := time.NewTicker(tailPoll)
	defer ticker.Stop()

	drain := func() {
		if file == nil {
			reopen(true)
			if file == nil {
				return
			}
		}
		if rotated(t.path, inode, offset) {
			t.logger.Debug("log rotated, reopening", "path", t.path)
			reopen(true)
			if file == nil {
				return
			}
		}
		for {
			chunk, err := reader.ReadString('\n')
			offset += int64(len(chunk))
			partial += chunk
			if err != nil {
				// Mid-line write; the rest arrives on a later drain.
				return
			}
			emit(trimNewline(partial))
			partial = ""
		}
	}

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == t.path {
				drain()
			}
		case <-ticker.C:
			drain()
		}
	}
}

// rotated reports whether the open file no longer backs the path.
func rotated(path string, openInode uint64, offset int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Ino != openInode {
		return true
	}
	return info.Size() < offset
}

func fileInode(f *os.File) (uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no stat for %s", f.Name())
	}
	return st.Ino, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// tailLines reads the last n lines of a file without loading the
// whole thing; the log can be tens of megabytes.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	const chunk = 64 * 1024
	var buf []byte
	offset := info.Size()
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		step := int64(chunk)
		if step > offset {
			step = offset
		}
		offset -= step
		part := make([]byte, step)
		if _, err := f.ReadAt(part, offset); err != nil {
			return nil, err
		}
		buf = append(part, buf...)
	}

	lines := []string{}
	for _, line := range bytes.Split(buf, []byte{'\n'}) {
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
