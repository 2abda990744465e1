// Package recovery runs the startup steps that bring durable work left behind by a
// previous process back into circulation, such as jobs claimed by a worker that died.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that restores its state when the service starts.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// Func adapts a plain function to Recoverable.
type Func func(ctx context.Context) error

func (f Func) RecoverState(ctx context.Context) error { return f(ctx) }

type component struct {
	name string
	r    Recoverable
}

// Manager runs registered recoverables in registration order.
type Manager struct {
	components []component
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component under a name used in logs.
func (m *Manager) Register(name string, r Recoverable) {
	m.components = append(m.components, component{name: name, r: r})
}

// RecoverAll recovers every component. A failing component does not stop the
// others; the returned error counts the failures.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.components))

	recovered, failed := 0, 0
	for _, c := range m.components {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.r.RecoverState(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", c.name, "error", err)
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.components))
	}
	return nil
}
