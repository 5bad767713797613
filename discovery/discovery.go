// Package discovery scans per-user namespace directories for coding-agent
// sessions and maintains the ownership index consulted by the access gate and
// the event router.
//
// Sessions live at {users_dir}/{user_id}/.claude/projects/**/*.jsonl. The
// owning user is the first path element under users_dir; it is part of the
// scan path by construction, so a session can never change owners.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentdeck-backend/types"
)

// ErrDuplicateSessionID indicates the same session id was scanned from two
// different user namespaces. This is a fatal configuration error and is never
// silently resolved.
var ErrDuplicateSessionID = errors.New("duplicate session id across user namespaces")

// fatalf terminates the process on unrecoverable scan errors. Swappable in
// tests.
var fatalf = log.Fatalf

// snapshot is one immutable ownership index build. Readers load it through an
// atomic pointer and never observe a partially-rebuilt index.
type snapshot struct {
	byID    map[string]*types.Session
	ordered []*types.Session
	// byUser retains each namespace's sessions so a failed rescan of one user
	// can keep that user's previous entries (stale beats absent).
	byUser map[string][]*types.Session
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byID:   map[string]*types.Session{},
		byUser: map[string][]*types.Session{},
	}
}

// Scanner discovers sessions and publishes the ownership index. It is the
// sole writer of the index; every other component reads lock-free snapshots.
type Scanner struct {
	usersDir string

	// Publish, when non-nil, receives session lifecycle events derived from
	// scan diffs (session_added, session_removed, session_updated).
	Publish func(types.Event)

	snap   atomic.Pointer[snapshot]
	scanMu sync.Mutex
}

// NewScanner creates a Scanner rooted at usersDir with an empty index.
func NewScanner(usersDir string) *Scanner {
	s := &Scanner{usersDir: usersDir}
	s.snap.Store(emptySnapshot())
	return s
}

// UsersDir returns the namespace root the scanner was configured with.
func (s *Scanner) UsersDir() string { return s.usersDir }

// FindOwner resolves a session id to its owning user id against the current
// index snapshot. Lock-free; safe on the request hot path.
func (s *Scanner) FindOwner(sessionID string) (string, bool) {
	sess, ok := s.snap.Load().byID[sessionID]
	if !ok {
		return "", false
	}
	return sess.OwnerUserID, true
}

// Get returns the discovered session for id, if known.
func (s *Scanner) Get(sessionID string) (*types.Session, bool) {
	sess, ok := s.snap.Load().byID[sessionID]
	return sess, ok
}

// AllSessions returns every discovered session, newest activity first.
func (s *Scanner) AllSessions() []*types.Session {
	return s.snap.Load().ordered
}

// SessionsForUser returns the sessions owned by userID, newest activity first.
func (s *Scanner) SessionsForUser(userID string) []*types.Session {
	var out []*types.Session
	for _, sess := range s.snap.Load().ordered {
		if sess.OwnerUserID == userID {
			out = append(out, sess)
		}
	}
	return out
}

// Scan rebuilds the ownership index. Each user namespace is scanned
// independently; a failure reading one namespace is logged, that user's
// previous entries are retained, and the scan continues. The new index is
// published as a single atomic swap.
func (s *Scanner) Scan(ctx context.Context) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	prev := s.snap.Load()
	next := emptySnapshot()

	entries, err := os.ReadDir(s.usersDir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("discovery: users directory not found: %s", s.usersDir)
			s.publishDiff(prev, next)
			s.snap.Store(next)
			return nil
		}
		return fmt.Errorf("read users dir %s: %w", s.usersDir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		userID := entry.Name()
		sessions, err := s.scanUser(userID)
		if err != nil {
			derr := &types.DiscoveryError{UserID: userID, Err: err}
			log.Printf("discovery: %v; retaining previous entries", derr)
			sessions = prev.byUser[userID]
		}
		next.byUser[userID] = sessions
		for _, sess := range sessions {
			if existing, ok := next.byID[sess.ID]; ok && existing.OwnerUserID != sess.OwnerUserID {
				return fmt.Errorf("%w: %q owned by both %q and %q",
					ErrDuplicateSessionID, sess.ID, existing.OwnerUserID, sess.OwnerUserID)
			}
			next.byID[sess.ID] = sess
			next.ordered = append(next.ordered, sess)
		}
	}

	sort.SliceStable(next.ordered, func(i, j int) bool {
		return next.ordered[i].LastActivityAt.After(next.ordered[j].LastActivityAt)
	})

	s.publishDiff(prev, next)
	s.snap.Store(next)
	return nil
}

// scanUser enumerates one namespace. Empty and message-less transcripts are
// skipped; unreadable individual files are skipped without failing the user.
func (s *Scanner) scanUser(userID string) ([]*types.Session, error) {
	projectsDir := filepath.Join(s.usersDir, userID, ".claude", "projects")
	if _, err := os.Stat(projectsDir); os.IsNotExist(err) {
		return nil, nil
	}

	var sessions []*types.Session
	err := filepath.WalkDir(projectsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() == 0 {
			return nil
		}
		sess, ok, err := readSessionMeta(path, info)
		if err != nil {
			log.Printf("discovery: skipping unreadable transcript %s: %v", path, err)
			return nil
		}
		if !ok {
			return nil
		}
		sess.OwnerUserID = userID
		sessions = append(sessions, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// OwnerFromPath derives the owning user id from a transcript path, or ""
// when the path is not under the users directory.
func (s *Scanner) OwnerFromPath(path string) string {
	rel, err := filepath.Rel(s.usersDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 || parts[0] == "." {
		return ""
	}
	return parts[0]
}

// publishDiff emits session lifecycle events for changes between snapshots.
func (s *Scanner) publishDiff(prev, next *snapshot) {
	if s.Publish == nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for id, sess := range next.byID {
		old, existed := prev.byID[id]
		switch {
		case !existed:
			s.Publish(types.Event{
				Type:      types.EventSessionAdded,
				SessionID: id,
				Payload:   map[string]any{"id": id, "projectName": sess.ProjectName},
				Timestamp: now,
			})
		case sess.LastActivityAt.After(old.LastActivityAt):
			s.Publish(types.Event{
				Type:      types.EventSessionUpdated,
				SessionID: id,
				Payload:   map[string]any{"id": id},
				Timestamp: now,
			})
		}
	}
	for id := range prev.byID {
		if _, still := next.byID[id]; !still {
			s.Publish(types.Event{
				Type:      types.EventSessionRemoved,
				SessionID: id,
				Payload:   map[string]any{"id": id},
				Timestamp: now,
			})
		}
	}
}

// RunPeriodic rescans on the given interval until ctx is cancelled. A
// duplicate-id error is a fatal misconfiguration and terminates the process.
func (s *Scanner) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				if errors.Is(err, ErrDuplicateSessionID) {
					fatalf("discovery: %v", err)
				}
				log.Printf("discovery: scan failed: %v", err)
			}
		}
	}
}
