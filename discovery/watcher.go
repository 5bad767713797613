package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentdeck-backend/types"
)

// Watcher tails session transcripts under the users directory and publishes
// a message event for each newly appended transcript line. Structural changes
// (new or deleted files and directories) trigger an index rescan.
type Watcher struct {
	scanner *Scanner
	publish func(types.Event)

	mu      sync.Mutex
	offsets map[string]int64
}

// NewWatcher creates a Watcher feeding events produced from transcript
// changes into publish.
func NewWatcher(scanner *Scanner, publish func(types.Event)) *Watcher {
	return &Watcher{
		scanner: scanner,
		publish: publish,
		offsets: map[string]int64{},
	}
}

// Run blocks until ctx is cancelled, watching the users directory tree.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	addTree := func(root string) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if err := fw.Add(path); err != nil {
					log.Printf("watcher: cannot watch %s: %v", path, err)
				}
			}
			return nil
		})
	}
	addTree(w.scanner.UsersDir())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Has(fsnotify.Create):
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addTree(ev.Name)
				}
				w.rescan(ctx)
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				w.forget(ev.Name)
				w.rescan(ctx)
			case ev.Has(fsnotify.Write) && strings.HasSuffix(ev.Name, ".jsonl"):
				w.tail(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("watcher: %v", err)
		}
	}
}

func (w *Watcher) rescan(ctx context.Context) {
	if err := w.scanner.Scan(ctx); err != nil {
		if errors.Is(err, ErrDuplicateSessionID) {
			fatalf("discovery: %v", err)
			return
		}
		log.Printf("watcher: rescan failed: %v", err)
	}
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.offsets, path)
	w.mu.Unlock()
}

// tail reads transcript lines appended since the last read and publishes one
// message event per line. A truncated file restarts from the beginning.
func (w *Watcher) tail(path string) {
	sessionID := SessionID(path)

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}

	w.mu.Lock()
	offset := w.offsets[path]
	if offset > info.Size() {
		offset = 0
	}
	w.mu.Unlock()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	read := offset
	now := time.Now().UTC().Format(time.RFC3339)
	for sc.Scan() {
		line := sc.Text()
		read += int64(len(line)) + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
			continue
		}
		w.publish(types.Event{
			Type:      types.EventMessage,
			SessionID: sessionID,
			Payload:   payload,
			Timestamp: now,
		})
	}

	w.mu.Lock()
	w.offsets[path] = read
	w.mu.Unlock()
}
