// Package containerstack implements the per-job container stack described
// in §4.3: a LIFO of running containers that pipeline scripts push and pop
// through the `container` bridge module, backed by a pluggable Engine.
package containerstack

import (
	"context"
	"io"
)

// WorkspaceMountPath is the fixed path every container context mounts the
// job's workspace directory at, per the Workspace glossary entry ("a
// job-scoped host directory mounted into every container at a fixed mount
// point").
const WorkspaceMountPath = "/workspace"

// ExecOptions carries the per-invocation parts of process.run that Exec
// needs: the working directory to run in, input to pipe to the command's
// stdin, and separate destinations for stdout and stderr.
type ExecOptions struct {
	// Cwd is the directory inside the container to run cmd from. Empty
	// means the container's default working directory.
	Cwd string
	// Stdin, if non-empty, is written to the command's standard input and
	// then closed.
	Stdin string
	// Stdout and Stderr receive the command's two streams separately; a
	// nil writer discards that stream.
	Stdout io.Writer
	Stderr io.Writer
}

// Engine drives a container runtime. ExecEngine is the only implementation
// shipped here, shelling out to a docker-compatible CLI, but the interface
// is what the container stack and bridge module depend on so a future
// engine (containerd client, gVisor, a mock for tests) can be substituted
// without touching either.
type Engine interface {
	// Start pulls image if necessary and starts a long-lived, idle
	// container from it with workspaceHostPath bind-mounted at mountPath,
	// returning an engine-assigned container ID.
	Start(ctx context.Context, image, workspaceHostPath, mountPath string) (containerID string, err error)

	// Exec runs cmd inside containerID per opts, streaming stdout and
	// stderr to their respective writers as they're produced. It returns
	// the command's exit error, if any, as a *ContainerError.
	Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions) error

	// Destroy stops and removes containerID. It must be safe to call on a
	// container that Start already failed to fully bring up.
	Destroy(ctx context.Context, containerID string) error
}
