package proctor

import (
	"strings"
	"sync"

	"github.com/recrutea/proctor-backend/internal/model"
)

// DefaultMaxViolations is the per-type count that disqualifies a candidate.
const DefaultMaxViolations = 2

type shortcut struct {
	key   string
	ctrl  bool
	shift bool
	alt   bool
	meta  bool
	label string
}

// forbiddenShortcuts lists accelerators for devtools, printing, saving,
// viewing source and switching tabs. Extra modifiers do not unmatch a rule.
var forbiddenShortcuts = []shortcut{
	{key: "F12", label: "F12"},
	{key: "PRINTSCREEN", label: "PrintScreen"},
	{key: "I", ctrl: true, shift: true, label: "Ctrl+Shift+I"},
	{key: "J", ctrl: true, shift: true, label: "Ctrl+Shift+J"},
	{key: "C", ctrl: true, shift: true, label: "Ctrl+Shift+C"},
	{key: "I", meta: true, alt: true, label: "Cmd+Alt+I"},
	{key: "J", meta: true, alt: true, label: "Cmd+Alt+J"},
	{key: "C", meta: true, alt: true, label: "Cmd+Alt+C"},
	{key: "U", ctrl: true, label: "Ctrl+U"},
	{key: "U", meta: true, alt: true, label: "Cmd+Alt+U"},
	{key: "P", ctrl: true, label: "Ctrl+P"},
	{key: "P", meta: true, label: "Cmd+P"},
	{key: "S", ctrl: true, label: "Ctrl+S"},
	{key: "S", meta: true, label: "Cmd+S"},
	{key: "TAB", ctrl: true, label: "Ctrl+Tab"},
	{key: "TAB", alt: true, label: "Alt+Tab"},
	{key: "TAB", meta: true, label: "Cmd+Tab"},
	{key: "PAGEUP", ctrl: true, label: "Ctrl+PageUp"},
	{key: "PAGEDOWN", ctrl: true, label: "Ctrl+PageDown"},
}

func (sc shortcut) matches(sig model.Signal) bool {
	if strings.ToUpper(sig.Key) != sc.key {
		return false
	}
	return (!sc.ctrl || sig.Ctrl) &&
		(!sc.shift || sig.Shift) &&
		(!sc.alt || sig.Alt) &&
		(!sc.meta || sig.Meta)
}

// Monitor classifies raw browser signals into violations and counts them
// per type on the session. It does not deduplicate bursts: every qualifying
// signal is one increment.
type Monitor struct {
	Threshold int

	mu        sync.RWMutex
	listeners []func(key string, v model.Violation)
}

// NewMonitor creates a Monitor raising ThresholdExceeded at the given count.
func NewMonitor(threshold int) *Monitor {
	if threshold <= 0 {
		threshold = DefaultMaxViolations
	}
	return &Monitor{Threshold: threshold}
}

// OnViolation registers a subscriber called for every recorded violation.
func (m *Monitor) OnViolation(fn func(key string, v model.Violation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Classify maps a raw signal to its violation type. The boolean is false
// for signals that are not violations (fullscreen-enter, harmless keys).
func (m *Monitor) Classify(sig model.Signal) (model.ViolationType, string, bool) {
	switch sig.Kind {
	case model.SignalBlur:
		return model.ViolationFocusLoss, "", true
	case model.SignalVisibilityHidden:
		return model.ViolationVisibilityLoss, "", true
	case model.SignalCopy, model.SignalCut, model.SignalPaste:
		return model.ViolationClipboard, string(sig.Kind), true
	case model.SignalContextMenu:
		return model.ViolationContextMenu, "", true
	case model.SignalFullscreenExit:
		return model.ViolationFullscreenExit, "exit", true
	case model.SignalFullscreenDenied:
		return model.ViolationFullscreenExit, "activation failed", true
	case model.SignalKeydown:
		for _, sc := range forbiddenShortcuts {
			if sc.matches(sig) {
				return model.ViolationForbiddenShortcut, sc.label, true
			}
		}
	}
	return "", "", false
}

// Record applies a signal to the session. It returns the resulting
// violation and true when the signal counted. Violation.Threshold is set on
// exactly the increment that brings a type's count to the threshold, so the
// event fires once per type even across reloads.
func (m *Monitor) Record(s *model.TestSession, sig model.Signal) (model.Violation, bool) {
	switch sig.Kind {
	case model.SignalFullscreenEnter:
		s.FullscreenEngaged = true
	case model.SignalFullscreenExit, model.SignalFullscreenDenied:
		s.FullscreenEngaged = false
	}

	vt, detail, ok := m.Classify(sig)
	if !ok {
		return model.Violation{}, false
	}

	if s.ViolationCounts == nil {
		s.ViolationCounts = make(map[model.ViolationType]int)
	}
	s.ViolationCounts[vt]++
	count := s.ViolationCounts[vt]

	v := model.Violation{
		Type:      vt,
		Count:     count,
		Threshold: count == m.Threshold,
		Detail:    detail,
	}

	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(s.Key, v)
	}

	return v, true
}
