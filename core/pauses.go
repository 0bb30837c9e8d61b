package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"crucible/native/common"
)

// Pauses is the operator-controlled pause switchboard consulted by every
// engine's guard. It has its own lock so engines can read it while the
// protocol lock is held.
type Pauses struct {
	mu      sync.RWMutex
	modules map[string]bool
}

// NewPauses returns a switchboard with every module running.
func NewPauses() *Pauses {
	return &Pauses{modules: make(map[string]bool)}
}

// IsPaused implements common.PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modules[strings.ToLower(strings.TrimSpace(module))]
}

// Set pauses or resumes module.
func (p *Pauses) Set(module string, paused bool) error {
	module = strings.ToLower(strings.TrimSpace(module))
	switch module {
	case ModuleVault, ModuleLending, ModuleLeverage, ModuleLiquidation:
	default:
		return fmt.Errorf("%w: unknown module %q", common.ErrInvalidConfig, module)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.modules[module] = true
	} else {
		delete(p.modules, module)
	}
	return nil
}

// Paused lists the paused modules in name order.
func (p *Pauses) Paused() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.modules))
	for module := range p.modules {
		out = append(out, module)
	}
	sort.Strings(out)
	return out
}
