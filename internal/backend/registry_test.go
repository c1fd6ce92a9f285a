package backend_test

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/anvil/internal/backend"
)

// stubBackend is a minimal Backend for registry tests.
type stubBackend struct {
	kind string
	slot int
}

func (s *stubBackend) Start(context.Context) (backend.ExecutionContext, error) {
	return echoContext{}, nil
}

func (s *stubBackend) Stop(context.Context) error { return nil }

func (s *stubBackend) Describe() backend.Description {
	return backend.Description{Kind: s.kind}
}

func stubFactory(kind string) backend.Factory {
	return func(slot int) (backend.Backend, error) {
		return &stubBackend{kind: kind, slot: slot}, nil
	}
}

func TestRegistryRegisterAndKinds(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.KindRemote, stubFactory(backend.KindRemote))
	reg.Register(backend.KindLocal, stubFactory(backend.KindLocal))

	kinds := reg.Kinds()
	if len(kinds) != 2 {
		t.Fatalf("Kinds() returned %d kinds, want 2", len(kinds))
	}
	if kinds[0] != backend.KindLocal || kinds[1] != backend.KindRemote {
		t.Errorf("Kinds() = %v, want sorted [local remote]", kinds)
	}
}

func TestRegistryResolveNotRegistered(t *testing.T) {
	reg := backend.NewRegistry()

	if _, err := reg.Resolve(backend.KindMicroVM); err == nil {
		t.Error("expected error for unregistered backend, got nil")
	}
}

func TestRegistryBuildAssignsSlots(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.KindLocal, stubFactory(backend.KindLocal))

	backends, err := reg.Build(backend.KindLocal, 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(backends) != 3 {
		t.Fatalf("Build returned %d backends, want 3", len(backends))
	}
	for i, b := range backends {
		if got := b.(*stubBackend).slot; got != i {
			t.Errorf("backend %d slot = %d, want %d", i, got, i)
		}
	}
}

func TestRegistryBuildRejectsNonPositiveCount(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.KindLocal, stubFactory(backend.KindLocal))

	if _, err := reg.Build(backend.KindLocal, 0); err == nil {
		t.Error("expected error for zero workers, got nil")
	}
}

func TestRegistryBuildPropagatesFactoryError(t *testing.T) {
	reg := backend.NewRegistry()
	want := errors.New("bad slot")
	reg.Register(backend.KindLocal, func(slot int) (backend.Backend, error) {
		if slot == 1 {
			return nil, want
		}
		return &stubBackend{slot: slot}, nil
	})

	if _, err := reg.Build(backend.KindLocal, 2); !errors.Is(err, want) {
		t.Errorf("Build error = %v, want wrapping %v", err, want)
	}
}
