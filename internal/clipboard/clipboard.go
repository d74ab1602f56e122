// Package clipboard empties the system clipboard.
package clipboard

// System clears the clipboard of the host OS. The zero value is ready to use.
type System struct{}

// New returns the host clipboard.
func New() *System {
	return &System{}
}

// Clear empties the clipboard.
func (s *System) Clear() error {
	return clearClipboard()
}
