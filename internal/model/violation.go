package model

// ViolationType enumerates the integrity violation categories.
type ViolationType string

const (
	ViolationFocusLoss         ViolationType = "focus-loss"
	ViolationVisibilityLoss    ViolationType = "visibility-loss"
	ViolationClipboard         ViolationType = "clipboard"
	ViolationContextMenu       ViolationType = "context-menu"
	ViolationForbiddenShortcut ViolationType = "forbidden-shortcut"
	ViolationFullscreenExit    ViolationType = "fullscreen-exit"
)

// ViolationTypes lists every known violation category.
var ViolationTypes = []ViolationType{
	ViolationFocusLoss,
	ViolationVisibilityLoss,
	ViolationClipboard,
	ViolationContextMenu,
	ViolationForbiddenShortcut,
	ViolationFullscreenExit,
}

// SignalKind is a raw browser-level signal as reported by the client.
type SignalKind string

const (
	SignalBlur             SignalKind = "blur"
	SignalVisibilityHidden SignalKind = "visibility-hidden"
	SignalCopy             SignalKind = "copy"
	SignalCut              SignalKind = "cut"
	SignalPaste            SignalKind = "paste"
	SignalContextMenu      SignalKind = "context-menu"
	SignalKeydown          SignalKind = "keydown"
	SignalFullscreenEnter  SignalKind = "fullscreen-enter"
	SignalFullscreenExit   SignalKind = "fullscreen-exit"
	SignalFullscreenDenied SignalKind = "fullscreen-denied"
)

// SignalKinds lists every raw signal the gateway accepts.
var SignalKinds = []SignalKind{
	SignalBlur,
	SignalVisibilityHidden,
	SignalCopy,
	SignalCut,
	SignalPaste,
	SignalContextMenu,
	SignalKeydown,
	SignalFullscreenEnter,
	SignalFullscreenExit,
	SignalFullscreenDenied,
}

// IsValid reports whether k is a known signal kind.
func (k SignalKind) IsValid() bool {
	for _, known := range SignalKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Signal is one raw event observed in the candidate's browser.
// Key and the modifier flags are only meaningful for SignalKeydown.
type Signal struct {
	Kind  SignalKind `json:"kind"`
	Key   string     `json:"key,omitempty"`
	Ctrl  bool       `json:"ctrl,omitempty"`
	Shift bool       `json:"shift,omitempty"`
	Alt   bool       `json:"alt,omitempty"`
	Meta  bool       `json:"meta,omitempty"`
}

// Violation is a classified signal with the running count for its type.
type Violation struct {
	Type      ViolationType `json:"type"`
	Count     int           `json:"count"`
	Threshold bool          `json:"threshold_exceeded"`
	Detail    string        `json:"detail,omitempty"`
}
