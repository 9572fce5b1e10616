package conversation

import "errors"

// Window size constraints for RecentMessages.
const (
	// DefaultWindow is the number of messages loaded when the caller passes
	// zero or a negative window.
	DefaultWindow = 40

	// MinWindow keeps at least one exchange in context.
	MinWindow = 2

	// MaxWindow bounds prompt growth regardless of caller configuration.
	MaxWindow = 500
)

// Sentinel errors for store operations, checked with errors.Is.
//
// ErrNotFound covers both a conversation id that does not exist and one
// owned by a different user: the two cases are deliberately
// indistinguishable so existence cannot be probed across users.
var (
	ErrNotFound       = errors.New("conversation not found")
	ErrInvalidPersona = errors.New("invalid persona")
	ErrInvalidPart    = errors.New("invalid content part")
	ErrInvalidMessage = errors.New("invalid message")
)

// NormalizeWindow clamps a requested window size to the supported range.
// Zero and negative values select DefaultWindow.
func NormalizeWindow(size int) int {
	if size <= 0 {
		return DefaultWindow
	}
	if size < MinWindow {
		return MinWindow
	}
	if size > MaxWindow {
		return MaxWindow
	}
	return size
}
