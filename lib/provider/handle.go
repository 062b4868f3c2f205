package provider

import (
	"fmt"

	"github.com/google/uuid"
)

// Handle is the opaque token a Composite hands out for a loaded instance.
// Handles are time-ordered UUIDs and are never reissued.
type Handle struct {
	id uuid.UUID
}

func newHandle() (Handle, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Handle{}, fmt.Errorf("failed to generate instance handle: %w", err)
	}
	return Handle{id: id}, nil
}

// ParseHandle parses the String form of a handle.
func ParseHandle(s string) (Handle, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Handle{}, fmt.Errorf("invalid instance handle %q: %w", s, err)
	}
	return Handle{id: id}, nil
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool {
	return h.id == uuid.Nil
}

func (h Handle) String() string {
	return h.id.String()
}
