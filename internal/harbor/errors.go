package harbor

import "fmt"

// ConflictError is returned when an environment already has a live
// container binding. The caller must stop the existing container first;
// overwriting the binding would leak the running container.
type ConflictError struct {
	Environment string
	ContainerID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("environment %s already has container %s", e.Environment, e.ContainerID)
}

// NotFoundError is returned when an environment has no binding, or has one
// in the wrong state for the requested operation.
type NotFoundError struct {
	Environment string
	Reason      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("environment %s: %s", e.Environment, e.Reason)
}
