package containerstack

import "fmt"

// ContainerError records a failure from the container engine itself --
// image pull, start, exec, or teardown -- as distinct from a script-level
// StageError so the runner can decide independently whether to retry.
type ContainerError struct {
	Image   string
	Op      string
	Message string
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("container %s (%s): %s", e.Image, e.Op, e.Message)
}
