package recovery

import (
	"context"
	"errors"
	"testing"
)

type mockRecoverable struct {
	err    error
	called bool
}

func (m *mockRecoverable) RecoverState(ctx context.Context) error {
	m.called = true
	return m.err
}

func TestRecoverAll_Success(t *testing.T) {
	m := NewManager()
	a, b := &mockRecoverable{}, &mockRecoverable{}
	m.Register("a", a)
	m.Register("b", b)

	if err := m.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if !a.called || !b.called {
		t.Error("all recoverables should be called")
	}
}

func TestRecoverAll_WithErrors(t *testing.T) {
	m := NewManager()
	a := &mockRecoverable{err: errors.New("recovery failed")}
	b := &mockRecoverable{}
	m.Register("a", a)
	m.Register("b", b)

	if err := m.RecoverAll(context.Background()); err == nil {
		t.Error("expected an error when a component fails")
	}
	if !a.called || !b.called {
		t.Error("all recoverables should be called despite errors")
	}
}

func TestFuncAdapter(t *testing.T) {
	calls := 0
	m := NewManager()
	m.Register("func", Func(func(context.Context) error {
		calls++
		return nil
	}))
	if err := m.RecoverAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRecoverAll_CancelledContext(t *testing.T) {
	m := NewManager()
	a := &mockRecoverable{}
	m.Register("a", a)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.RecoverAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if a.called {
		t.Error("no component should run after cancellation")
	}
}
