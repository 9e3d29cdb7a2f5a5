package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named native module is administratively paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects mutating operations while the named module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
