package containerstack

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// ExecEngine drives containers by shelling out to a docker-compatible CLI
// binary, the same way the original build pipeline drove `docker build` and
// `docker push` directly with os/exec.
type ExecEngine struct {
	// Bin is the CLI binary to invoke, e.g. "docker" or "podman".
	Bin string
}

// NewExecEngine returns an ExecEngine using bin, defaulting to "docker" if
// bin is empty.
func NewExecEngine(bin string) *ExecEngine {
	if bin == "" {
		bin = "docker"
	}
	return &ExecEngine{Bin: bin}
}

func (e *ExecEngine) run(ctx context.Context, image, op string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.Bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, &ContainerError{Image: image, Op: op, Message: strings.TrimSpace(string(out))}
	}
	return out, nil
}

// Start runs `docker run -d --init --entrypoint sh -v host:mount <image> -c
// "sleep infinity"`, overriding any image entrypoint so the container stays
// alive and idle for however many Exec calls the pipeline makes against it,
// with workspaceHostPath bind-mounted at mountPath. It returns the
// container ID docker prints to stdout.
func (e *ExecEngine) Start(ctx context.Context, image, workspaceHostPath, mountPath string) (string, error) {
	mount := fmt.Sprintf("%s:%s", workspaceHostPath, mountPath)
	out, err := e.run(ctx, image, "start",
		"run", "-d", "--init", "--entrypoint", "sh", "-v", mount, image, "-c", "sleep infinity")
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", &ContainerError{Image: image, Op: "start", Message: "engine returned no container id"}
	}
	return id, nil
}

// Exec runs cmd inside containerID via `docker exec`, honoring opts.Cwd
// (via -w) and opts.Stdin, and streaming stdout/stderr to their own
// writers as they're produced rather than merging the two streams.
func (e *ExecEngine) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions) error {
	args := []string{"exec"}
	if opts.Stdin != "" {
		args = append(args, "-i")
	}
	if opts.Cwd != "" {
		args = append(args, "-w", opts.Cwd)
	}
	args = append(args, containerID)
	args = append(args, cmd...)

	c := exec.CommandContext(ctx, e.Bin, args...)
	if opts.Stdin != "" {
		c.Stdin = strings.NewReader(opts.Stdin)
	}

	var errBuf strings.Builder
	c.Stdout = writerOrDiscard(opts.Stdout)
	if opts.Stderr != nil {
		c.Stderr = io.MultiWriter(opts.Stderr, &errBuf)
	} else {
		c.Stderr = &errBuf
	}

	if err := c.Run(); err != nil {
		return &ContainerError{
			Image:   containerID,
			Op:      "exec",
			Message: fmt.Sprintf("%s: %s", err, strings.TrimSpace(errBuf.String())),
		}
	}
	return nil
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// Destroy force-removes the container. It does not treat "no such
// container" as an error, since Destroy must be safe to call on a
// container whose Start never completed.
func (e *ExecEngine) Destroy(ctx context.Context, containerID string) error {
	out, err := e.run(ctx, containerID, "destroy", "rm", "-f", containerID)
	if err != nil {
		if strings.Contains(strings.ToLower(string(out)), "no such container") {
			return nil
		}
		return err
	}
	return nil
}
