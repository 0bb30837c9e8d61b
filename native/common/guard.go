package common

import "fmt"

// PauseView reports whether an administrator has paused a protocol module.
// Pause administration itself lives outside the engine.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects calls into a module that has been paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: module=%s", ErrProtocolPaused, module)
	}
	return nil
}

// StaticPauses is a PauseView backed by a fixed set of module names.
type StaticPauses map[string]bool

// IsPaused implements PauseView.
func (s StaticPauses) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	return s[module]
}
