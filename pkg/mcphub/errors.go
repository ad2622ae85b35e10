package mcphub

import (
	"errors"
	"fmt"
)

// NotFoundError reports that a namespaced name or URI has no entry in the
// merged catalog. Routing returns it without contacting any backend.
type NotFoundError struct {
	// Kind is one of "tool", "prompt", "resource", "server".
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mcphub: %s %q not found", e.Kind, e.Name)
}

// IsNotFound reports whether err is a catalog miss.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
