package containerstack

import (
	"context"
	"fmt"
	"sync"
)

// frame is one entry in the LIFO; id is the engine-assigned container ID
// and image is retained for error messages and logging.
type frame struct {
	id    string
	image string
}

// Stack is the per-job container LIFO described in §4.3. Scripts interact
// with it only through the `container` bridge module's with(image, fn) and
// the `process` module's run, never directly; a Stack is owned by exactly one job execution and is not
// safe to share across jobs, though it is safe for the bridge module's
// internal goroutine-free call pattern.
type Stack struct {
	mu                sync.Mutex
	engine            Engine
	workspaceHostPath string
	mountPath         string
	frames            []frame
}

// NewStack returns an empty container stack driven by engine, mounting
// workspaceHostPath at mountPath in every container it starts.
func NewStack(engine Engine, workspaceHostPath, mountPath string) *Stack {
	return &Stack{engine: engine, workspaceHostPath: workspaceHostPath, mountPath: mountPath}
}

// Push starts a new container from image, with the job's workspace
// mounted, and makes it the top of the stack.
func (s *Stack) Push(ctx context.Context, image string) error {
	id, err := s.engine.Start(ctx, image, s.workspaceHostPath, s.mountPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame{id: id, image: image})
	s.mu.Unlock()
	return nil
}

// Pop destroys the top container and removes it from the stack. Pop on an
// empty stack is a ContainerError, not a panic, so a caller that pops more
// containers than it pushed fails the stage cleanly.
func (s *Stack) Pop(ctx context.Context) error {
	s.mu.Lock()
	if len(s.frames) == 0 {
		s.mu.Unlock()
		return &ContainerError{Op: "pop", Message: "container stack is empty"}
	}
	top := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	s.mu.Unlock()

	return s.engine.Destroy(ctx, top.id)
}

// Top returns the image name of the current top-of-stack container, and
// false if the stack is empty.
func (s *Stack) Top() (image string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return "", false
	}
	return s.frames[len(s.frames)-1].image, true
}

// Depth returns the current number of open containers.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Exec runs cmd inside the current top-of-stack container.
func (s *Stack) Exec(ctx context.Context, cmd []string, opts ExecOptions) error {
	s.mu.Lock()
	if len(s.frames) == 0 {
		s.mu.Unlock()
		return &ContainerError{Op: "exec", Message: "no container is open"}
	}
	top := s.frames[len(s.frames)-1]
	s.mu.Unlock()

	return s.engine.Exec(ctx, top.id, cmd, opts)
}

// With pushes image, invokes fn with it on top of the stack, and guarantees
// exactly one matching Pop regardless of how fn returns -- this is the
// implementation behind container.with(image, fn) in the bridge module,
// matching §4.3's scoped-acquisition guarantee.
func (s *Stack) With(ctx context.Context, image string, fn func() error) (err error) {
	if pushErr := s.Push(ctx, image); pushErr != nil {
		return pushErr
	}
	defer func() {
		if popErr := s.Pop(ctx); popErr != nil && err == nil {
			err = popErr
		}
	}()
	return fn()
}

// DrainAll pops every remaining container, used when a job ends (whether
// by completion, cancellation, or error) to guarantee no container is
// leaked even if the script itself never balanced its push/pop calls.
func (s *Stack) DrainAll(ctx context.Context) error {
	var firstErr error
	for {
		s.mu.Lock()
		empty := len(s.frames) == 0
		s.mu.Unlock()
		if empty {
			return firstErr
		}
		if err := s.Pop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("draining container stack: %w", err)
		}
	}
}
