// Package prompts tracks open permission prompts per session across the
// three sources (spawned child, hook callback, log-derived) and encodes the
// auto-approval and suppression policies applied to newly observed prompts.
package prompts

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// Source identifies how a prompt reached the daemon.
type Source string

const (
	// SourceSpawned is a prompt from an active child, answerable over stdin.
	SourceSpawned Source = "spawned"
	// SourceHook is a prompt announced by a terminal agent's hook callback.
	SourceHook Source = "hook"
	// SourceFile is a prompt inferred from the session log (a tool_use with
	// no tool_result).
	SourceFile Source = "file"
)

const (
	// PromptTTL is how long a surfaced prompt stays open before timing out.
	PromptTTL = 60 * time.Second

	// ApprovalHintTTL bounds the window in which a fresh prompt for the same
	// tool is treated as already approved (the child regenerates request ids
	// across retries).
	ApprovalHintTTL = 30 * time.Second

	// AskUserQuestionTool is the only tool eligible for file-source prompts;
	// other tools are expected to arrive via a hook.
	AskUserQuestionTool = "AskUserQuestion"

	// maxTracked bounds the per-session denied / retried / allowed sets.
	maxTracked = 256
)

// Prompt is one outstanding permission request.
type Prompt struct {
	SessionID   string          `json:"session_id"`
	RequestID   string          `json:"request_id"`
	ToolName    string          `json:"tool_name"`
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
	Source      Source          `json:"source"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`

	timedOut bool
}

// Decision is the outcome of evaluating a newly observed prompt.
type Decision int

const (
	// Surface registers the prompt and fans it out to subscribers.
	Surface Decision = iota
	// AutoApprove answers the prompt silently, without fan-out.
	AutoApprove
	// Suppress drops the prompt (already denied, retried, or a duplicate).
	Suppress
)

type approvalHint struct {
	toolName  string
	expiresAt time.Time
}

type sessionState struct {
	prompts map[string]*Prompt
	order   []string // request ids in observation order

	allowedTools map[string]struct{}
	hint         *approvalHint
	denied       map[string]struct{}
	retried      map[string]struct{}
}

func newSessionState() *sessionState {
	return &sessionState{
		prompts:      make(map[string]*Prompt),
		allowedTools: make(map[string]struct{}),
		denied:       make(map[string]struct{}),
		retried:      make(map[string]struct{}),
	}
}

// Registry holds prompt and policy state for all sessions. All methods are
// safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	logger   *logger.Logger
	now      func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionState),
		logger:   log.WithFields(zap.String("component", "prompts")),
		now:      time.Now,
	}
}

func (r *Registry) session(sessionID string) *sessionState {
	s, ok := r.sessions[sessionID]
	if !ok {
		s = newSessionState()
		r.sessions[sessionID] = s
	}
	return s
}

// Evaluate applies the prompt policies in order and, when the prompt is to
// be surfaced, registers it with its TTL. Dedup is on (sessionID, requestID).
func (r *Registry) Evaluate(p Prompt) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.session(p.SessionID)
	now := r.now()

	if _, ok := s.allowedTools[p.ToolName]; ok {
		return AutoApprove
	}

	if s.hint != nil {
		if now.After(s.hint.expiresAt) {
			s.hint = nil
		} else if s.hint.toolName == p.ToolName {
			s.hint = nil
			return AutoApprove
		}
	}

	if _, ok := s.denied[p.RequestID]; ok {
		return Suppress
	}
	if _, ok := s.retried[p.RequestID]; ok {
		return Suppress
	}
	if _, ok := s.prompts[p.RequestID]; ok {
		return Suppress
	}

	p.CreatedAt = now
	p.ExpiresAt = now.Add(PromptTTL)
	stored := p
	s.prompts[p.RequestID] = &stored
	s.order = append(s.order, p.RequestID)

	r.logger.Debug("prompt surfaced",
		zap.String("session_id", p.SessionID),
		zap.String("request_id", p.RequestID),
		zap.String("tool", p.ToolName),
		zap.String("source", string(p.Source)))
	return Surface
}

// Get returns an open prompt.
func (r *Registry) Get(sessionID, requestID string) (Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Prompt{}, false
	}
	p, ok := s.prompts[requestID]
	if !ok {
		return Prompt{}, false
	}
	return *p, true
}

// Resolve removes an open prompt and returns it.
func (r *Registry) Resolve(sessionID, requestID string) (Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Prompt{}, false
	}
	p, ok := s.prompts[requestID]
	if !ok {
		return Prompt{}, false
	}
	delete(s.prompts, requestID)
	s.order = removeString(s.order, requestID)
	return *p, true
}

// Open returns the session's open prompts in observation order.
func (r *Registry) Open(sessionID string) []Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Prompt, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.prompts[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// OpenCount returns the number of open prompts for a session.
func (r *Registry) OpenCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(s.prompts)
}

// ExpireDue returns prompts past their TTL that have not been reported yet.
// Spawned prompts are removed (their child is about to be killed); hook and
// file prompts keep their record so the user can still answer them.
func (r *Registry) ExpireDue() []Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var due []Prompt
	for _, s := range r.sessions {
		for _, id := range append([]string(nil), s.order...) {
			p, ok := s.prompts[id]
			if !ok || p.timedOut || now.Before(p.ExpiresAt) {
				continue
			}
			p.timedOut = true
			due = append(due, *p)
			if p.Source == SourceSpawned {
				delete(s.prompts, id)
				s.order = removeString(s.order, id)
			}
		}
	}
	return due
}

// AllowTool adds a tool to the session's allow list ("allow all" answers).
func (r *Registry) AllowTool(sessionID, toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	addBounded(s.allowedTools, toolName)
}

// SetApprovalHint records that the user just approved this tool, so a
// regenerated prompt for the same tool within the TTL is auto-approved.
func (r *Registry) SetApprovalHint(sessionID, toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	s.hint = &approvalHint{toolName: toolName, expiresAt: r.now().Add(ApprovalHintTTL)}
}

// MarkDenied records a denied prompt id so it is never re-surfaced.
func (r *Registry) MarkDenied(sessionID, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addBounded(r.session(sessionID).denied, requestID)
}

// MarkRetried records a prompt answered via the retry approach. Cleared only
// when the session record is dropped.
func (r *Registry) MarkRetried(sessionID, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addBounded(r.session(sessionID).retried, requestID)
}

// IsDenied reports whether the prompt id was denied.
func (r *Registry) IsDenied(sessionID, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	_, denied := s.denied[requestID]
	return denied
}

// IsRetried reports whether the prompt id was answered via retry.
func (r *Registry) IsRetried(sessionID, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	_, retried := s.retried[requestID]
	return retried
}

// DropSession discards all prompt and policy state for a session.
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// SetClock overrides the registry's clock. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func removeString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// addBounded inserts into a set, evicting an arbitrary entry at the cap.
func addBounded(set map[string]struct{}, v string) {
	if _, ok := set[v]; ok {
		return
	}
	if len(set) >= maxTracked {
		for k := range set {
			delete(set, k)
			break
		}
	}
	set[v] = struct{}{}
}
