package sessionlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/pkg/claudecode"
)

// auxiliary sidecar logs written by subagents, never sessions of their own
const agentFilePrefix = "agent-"

// Store reads session logs under a projects root directory.
// The agent writes one directory per project (directory-mangled path) and one
// append-only <sessionId>.jsonl file per session inside it.
type Store struct {
	projectsDir string
	logger      *logger.Logger

	// session id -> file path, revalidated on every hit
	pathCache   map[string]string
	pathCacheMu sync.RWMutex
}

// NewStore creates a Store rooted at projectsDir.
func NewStore(projectsDir string, log *logger.Logger) *Store {
	return &Store{
		projectsDir: projectsDir,
		logger:      log.WithFields(zap.String("component", "sessionlog")),
		pathCache:   make(map[string]string),
	}
}

// MangleProjectPath converts a real project path into the directory name the
// agent uses under the projects root ("/home/u/proj" -> "-home-u-proj").
func MangleProjectPath(path string) string {
	var b strings.Builder
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// SessionFile returns the on-disk path of a session's log file, searching all
// project directories. Returns SessionNotFound when no project contains it.
func (s *Store) SessionFile(sessionID string) (string, error) {
	filename := sessionID + ".jsonl"

	s.pathCacheMu.RLock()
	cached, ok := s.pathCache[sessionID]
	s.pathCacheMu.RUnlock()
	if ok {
		if _, err := os.Stat(cached); err == nil {
			return cached, nil
		}
	}

	dirs, err := os.ReadDir(s.projectsDir)
	if err != nil {
		return "", errors.SessionNotFound(sessionID)
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		candidate := filepath.Join(s.projectsDir, dir.Name(), filename)
		if _, err := os.Stat(candidate); err == nil {
			s.pathCacheMu.Lock()
			s.pathCache[sessionID] = candidate
			s.pathCacheMu.Unlock()
			return candidate, nil
		}
	}
	return "", errors.SessionNotFound(sessionID)
}

// Projects lists the project directories under the projects root, newest
// first. The real path is recovered from the most recent session log's cwd
// field when available.
func (s *Store) Projects() ([]Project, error) {
	dirs, err := os.ReadDir(s.projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var projects []Project
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		sessions, err := s.Sessions(dir.Name())
		if err != nil || len(sessions) == 0 {
			continue
		}
		p := Project{
			Name:         dir.Name(),
			SessionCount: len(sessions),
			UpdatedAt:    sessions[0].UpdatedAt,
		}
		// Sessions are newest-first; the latest log names the real path.
		if cwd := s.firstCWD(filepath.Join(s.projectsDir, dir.Name(), sessions[0].ID+".jsonl")); cwd != "" {
			p.Path = cwd
		}
		projects = append(projects, p)
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].UpdatedAt.After(projects[j].UpdatedAt)
	})
	return projects, nil
}

// Sessions lists the sessions of one project directory (mangled name),
// newest first. agent-*.jsonl sidecar files are ignored.
func (s *Store) Sessions(projectName string) ([]SessionInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.projectsDir, projectName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("project", projectName)
		}
		return nil, err
	}

	var sessions []SessionInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, agentFilePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, SessionInfo{
			ID:        strings.TrimSuffix(name, ".jsonl"),
			SizeBytes: info.Size(),
			UpdatedAt: info.ModTime(),
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// SessionMetadata reads a session's log and summarizes it.
func (s *Store) SessionMetadata(sessionID string) (*SessionMetadata, error) {
	path, err := s.SessionFile(sessionID)
	if err != nil {
		return nil, err
	}

	meta := &SessionMetadata{SessionID: sessionID}
	if info, err := os.Stat(path); err == nil {
		meta.UpdatedAt = info.ModTime()
	}

	entries := s.scanEntries(path)
	for _, e := range entries {
		if meta.ProjectPath == "" && e.CWD != "" {
			meta.ProjectPath = e.CWD
		}
		if meta.CreatedAt.IsZero() && !e.time().IsZero() {
			meta.CreatedAt = e.time()
		}
		if e.Type == "assistant" && e.Message != nil && e.Message.Model != "" {
			meta.Model = e.Message.Model
		}
		if e.Type == "summary" && e.Summary != "" {
			meta.Summary = e.Summary
		}
	}

	messages, _, err := s.Read(sessionID)
	if err != nil {
		return nil, err
	}
	meta.MessageCount = len(messages)
	return meta, nil
}

// ProjectOfSession returns the session's real project path from the log's
// cwd field.
func (s *Store) ProjectOfSession(sessionID string) (string, error) {
	path, err := s.SessionFile(sessionID)
	if err != nil {
		return "", err
	}
	if cwd := s.firstCWD(path); cwd != "" {
		return cwd, nil
	}
	return "", errors.SessionNotFound(sessionID)
}

// IsRecentlyActive reports whether the session log was modified within the
// given window.
func (s *Store) IsRecentlyActive(sessionID string, window time.Duration) bool {
	path, err := s.SessionFile(sessionID)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) <= window
}

// MessageCount returns the number of normalized messages in the session log.
func (s *Store) MessageCount(sessionID string) int {
	messages, _, err := s.Read(sessionID)
	if err != nil {
		return 0
	}
	return len(messages)
}

// logEntry is one raw line of a session log.
type logEntry struct {
	Type      string                      `json:"type"`
	UUID      string                      `json:"uuid"`
	Timestamp string                      `json:"timestamp"`
	CWD       string                      `json:"cwd"`
	IsMeta    bool                        `json:"isMeta"`
	Summary   string                      `json:"summary"`
	Message   *claudecode.AssistantMessage `json:"message"`
}

func (e *logEntry) time() time.Time {
	if e.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// scanEntries reads and parses all lines of a log file. Malformed lines are
// skipped; the tail of the file may be torn by the writing process.
func (s *Store) scanEntries(path string) []logEntry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var entries []logEntry
	scanner := bufio.NewScanner(f)
	// Tool results can be large
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// firstCWD scans a log file for the first entry carrying a cwd field.
func (s *Store) firstCWD(path string) string {
	for _, e := range s.scanEntries(path) {
		if e.CWD != "" {
			return e.CWD
		}
	}
	return ""
}
