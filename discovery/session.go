package discovery

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentdeck-backend/types"
)

// transcriptRecord is one parsed line of a session JSONL file. Only the
// fields discovery cares about are decoded.
type transcriptRecord struct {
	Type        string          `json:"type"`
	Timestamp   string          `json:"timestamp"`
	IsSidechain bool            `json:"isSidechain"`
	Message     json.RawMessage `json:"message"`
}

// maxTranscriptLine bounds a single JSONL line; agent tool results can be large.
const maxTranscriptLine = 4 * 1024 * 1024

// SessionID derives the session id from the transcript path (filename stem).
func SessionID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// projectFromPath recovers the project name and munged project path from the
// transcript's parent directory ("-home-alice-proj" encodes "/home/alice/proj").
func projectFromPath(path string) (name, projectPath string) {
	dir := filepath.Base(filepath.Dir(path))
	projectPath = strings.ReplaceAll(dir, "-", "/")
	name = filepath.Base(projectPath)
	if name == "" || name == "/" {
		name = dir
	}
	return name, projectPath
}

// readSessionMeta parses a transcript and builds the Session record. Returns
// false when the file holds no renderable messages (empty or warmup-only).
func readSessionMeta(path string, info os.FileInfo) (*types.Session, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxTranscriptLine)

	var (
		first        transcriptRecord
		firstSet     bool
		firstMessage string
		firstTS      string
		lastTS       string
		count        int
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec transcriptRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "user" && rec.Type != "assistant" {
			continue
		}
		if !firstSet {
			first = rec
			firstSet = true
		}
		count++
		if rec.Timestamp != "" {
			if firstTS == "" {
				firstTS = rec.Timestamp
			}
			lastTS = rec.Timestamp
		}
		if firstMessage == "" && rec.Type == "user" {
			firstMessage = messageText(rec.Message)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if count == 0 {
		return nil, false, nil
	}

	name, projectPath := projectFromPath(path)
	s := &types.Session{
		ID:           SessionID(path),
		Path:         path,
		ProjectName:  name,
		ProjectPath:  projectPath,
		FirstMessage: firstMessage,
		MessageCount: count,
		IsSubagent:   first.IsSidechain,
	}
	if t, err := time.Parse(time.RFC3339, firstTS); err == nil {
		s.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339, lastTS); err == nil {
		s.LastActivityAt = t
	} else {
		s.LastActivityAt = info.ModTime()
	}
	return s, true, nil
}

// messageText extracts displayable text from a transcript message body, which
// is either a plain string or a list of content blocks.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		Content any `json:"content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	switch c := body.Content.(type) {
	case string:
		return c
	case []any:
		for _, block := range c {
			m, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if text, ok := m["text"].(string); ok {
					return text
				}
			}
		}
	}
	return ""
}

// ReadMessages parses the full transcript for the messages endpoint.
func ReadMessages(path string) ([]types.SessionMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxTranscriptLine)

	var msgs []types.SessionMessage
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m types.SessionMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		if m.Type != "user" && m.Type != "assistant" {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, sc.Err()
}
