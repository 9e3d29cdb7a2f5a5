package common

import "sync"

// PauseSet is a mutable PauseView shared between the node and its engines.
// The zero value is unusable; use NewPauseSet.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func NewPauseSet() *PauseSet {
	return &PauseSet{paused: make(map[string]bool)}
}

// IsPaused implements PauseView.
func (p *PauseSet) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

// SetPaused toggles the administrative pause for a module.
func (p *PauseSet) SetPaused(module string, paused bool) {
	if p == nil || module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[module] = true
		return
	}
	delete(p.paused, module)
}
