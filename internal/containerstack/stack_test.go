package containerstack

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeEngine is an in-memory Engine for exercising Stack without shelling
// out to a real container runtime.
type fakeEngine struct {
	mu        sync.Mutex
	nextID    int
	running   map[string]string // id -> image
	destroyed []string
	execCalls int
	failStart bool
	lastMount string
	lastOpts  ExecOptions
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{running: make(map[string]string)}
}

func (f *fakeEngine) Start(ctx context.Context, image, workspaceHostPath, mountPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return "", &ContainerError{Image: image, Op: "start", Message: "boom"}
	}
	f.nextID++
	id := image + "-" + string(rune('a'+f.nextID))
	f.running[id] = image
	f.lastMount = workspaceHostPath + ":" + mountPath
	return id, nil
}

func (f *fakeEngine) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[containerID]; !ok {
		return &ContainerError{Op: "exec", Message: "no such container"}
	}
	f.execCalls++
	f.lastOpts = opts
	if opts.Stdout != nil {
		_, _ = opts.Stdout.Write([]byte("ok\n"))
	}
	return nil
}

func (f *fakeEngine) Destroy(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
	f.destroyed = append(f.destroyed, containerID)
	return nil
}

func TestStack_PushTopPop(t *testing.T) {
	eng := newFakeEngine()
	s := NewStack(eng, "/host/ws", "/workspace")
	ctx := context.Background()

	if _, ok := s.Top(); ok {
		t.Fatal("empty stack should report no top")
	}

	if err := s.Push(ctx, "golang:1.21"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if img, ok := s.Top(); !ok || img != "golang:1.21" {
		t.Fatalf("Top() = %q, %v", img, ok)
	}
	if eng.lastMount != "/host/ws:/workspace" {
		t.Fatalf("Push did not pass the workspace mount through to the engine, got %q", eng.lastMount)
	}
	if s.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", s.Depth())
	}

	if err := s.Pop(ctx); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if s.Depth() != 0 {
		t.Fatalf("Depth() = %d after pop, want 0", s.Depth())
	}
	if len(eng.destroyed) != 1 {
		t.Fatalf("expected one destroyed container, got %d", len(eng.destroyed))
	}
}

func TestStack_PopOnEmptyIsContainerError(t *testing.T) {
	s := NewStack(newFakeEngine(), "/host/ws", "/workspace")
	err := s.Pop(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*ContainerError); !ok {
		t.Fatalf("expected *ContainerError, got %T", err)
	}
}

func TestStack_ExecUsesTop(t *testing.T) {
	eng := newFakeEngine()
	s := NewStack(eng, "/host/ws", "/workspace")
	ctx := context.Background()

	if err := s.Exec(ctx, []string{"echo", "hi"}, ExecOptions{}); err == nil {
		t.Fatal("expected an error execing with no open container")
	}

	_ = s.Push(ctx, "alpine")
	if err := s.Exec(ctx, []string{"echo", "hi"}, ExecOptions{}); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if eng.execCalls != 1 {
		t.Fatalf("execCalls = %d, want 1", eng.execCalls)
	}
}

func TestStack_WithPopsOnSuccessAndFailure(t *testing.T) {
	eng := newFakeEngine()
	s := NewStack(eng, "/host/ws", "/workspace")
	ctx := context.Background()

	if err := s.With(ctx, "alpine", func() error { return nil }); err != nil {
		t.Fatalf("With (success): %v", err)
	}
	if s.Depth() != 0 {
		t.Fatalf("Depth() = %d after successful With, want 0", s.Depth())
	}

	wantErr := errors.New("stage body failed")
	err := s.With(ctx, "alpine", func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("With should re-raise the body error, got %v", err)
	}
	if s.Depth() != 0 {
		t.Fatalf("Depth() = %d after failing With, want 0 (pop must still happen)", s.Depth())
	}
}

func TestStack_NestedWith(t *testing.T) {
	eng := newFakeEngine()
	s := NewStack(eng, "/host/ws", "/workspace")
	ctx := context.Background()

	err := s.With(ctx, "outer", func() error {
		if img, _ := s.Top(); img != "outer" {
			t.Fatalf("expected outer on top, got %q", img)
		}
		return s.With(ctx, "inner", func() error {
			if img, _ := s.Top(); img != "inner" {
				t.Fatalf("expected inner on top, got %q", img)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("nested With: %v", err)
	}
	if s.Depth() != 0 {
		t.Fatalf("Depth() = %d after nested With, want 0", s.Depth())
	}
	if len(eng.destroyed) != 2 {
		t.Fatalf("expected 2 containers destroyed, got %d", len(eng.destroyed))
	}
}

func TestStack_DrainAll(t *testing.T) {
	eng := newFakeEngine()
	s := NewStack(eng, "/host/ws", "/workspace")
	ctx := context.Background()

	_ = s.Push(ctx, "a")
	_ = s.Push(ctx, "b")
	_ = s.Push(ctx, "c")

	if err := s.DrainAll(ctx); err != nil {
		t.Fatalf("DrainAll: %v", err)
	}
	if s.Depth() != 0 {
		t.Fatalf("Depth() = %d after DrainAll, want 0", s.Depth())
	}
}

func TestStack_PushFailurePropagates(t *testing.T) {
	eng := newFakeEngine()
	eng.failStart = true
	s := NewStack(eng, "/host/ws", "/workspace")

	err := s.Push(context.Background(), "broken")
	if err == nil {
		t.Fatal("expected Push to fail")
	}
	if s.Depth() != 0 {
		t.Fatal("a failed Push must not leave a frame on the stack")
	}
}
