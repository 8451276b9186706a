package tasks

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registration is everything the scheduler needs to know about a task type
// ahead of creating an instance: its class-level attributes (task_name,
// is_exclusive, is_blocking in spec.md §4.1) and its constructor.
type Registration struct {
	Name        string
	IsExclusive bool
	IsBlocking  bool
	New         Constructor
}

// RegisterOptions mirrors the autodiscovery modes of spec.md §4.2. Go has no
// dynamic import, so "autodiscovery" here means: every task package
// contributes a Registration to a batch assembled at process start (see
// cmd/scannerd), and that batch is registered through RegisterAll with these
// options — the compile-time analogue the design notes call for.
type RegisterOptions struct {
	// OverrideOnConflict: if true, a later registration with the same name
	// replaces the earlier one; if false, the first registration wins and
	// later ones are rejected.
	OverrideOnConflict bool
	// SafeMode: if true, a bad registration (missing name, conflict) is
	// logged and skipped rather than failing the whole batch.
	SafeMode bool
}

// Registry maps task name to Registration. The registry is authoritative:
// creating a task with a name absent from it fails with ErrUnknownTask.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Register adds a single Registration, rejecting silent re-registration
// unless opts.OverrideOnConflict is set.
func (r *Registry) Register(reg Registration, opts RegisterOptions) error {
	if reg.Name == "" {
		return fmt.Errorf("tasks: registration missing task_name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[reg.Name]; exists && !opts.OverrideOnConflict {
		return fmt.Errorf("tasks: task %q is already registered", reg.Name)
	}
	r.regs[reg.Name] = reg
	return nil
}

// RegisterAll registers a batch of task types, the compile-time stand-in for
// autodiscovery across namespaces. In SafeMode, a registration that fails
// (missing name, name conflict when override is off) is logged and skipped
// instead of aborting the batch. Returns the names actually registered.
func (r *Registry) RegisterAll(regs []Registration, opts RegisterOptions, logger *slog.Logger) []string {
	var registered []string
	for _, reg := range regs {
		if err := r.Register(reg, opts); err != nil {
			if opts.SafeMode {
				if logger != nil {
					logger.Warn("tasks: skipping registration", "name", reg.Name, "error", err)
				}
				continue
			}
			if logger != nil {
				logger.Error("tasks: registration failed", "name", reg.Name, "error", err)
			}
			return registered
		}
		registered = append(registered, reg.Name)
		if logger != nil {
			logger.Info("task registered", "name", reg.Name, "exclusive", reg.IsExclusive, "blocking", reg.IsBlocking)
		}
	}
	return registered
}

// Lookup returns the Registration for name, if any.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[name]
	return reg, ok
}

// Names returns every registered task name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.regs))
	for name := range r.regs {
		out = append(out, name)
	}
	return out
}
