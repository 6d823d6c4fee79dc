package scrape

import (
	"fmt"

	"github.com/google/uuid"
)

// JobID identifies a scrape job. The zero value is invalid.
type JobID struct {
	u uuid.UUID
}

// NewJobID wraps a generated UUID.
func NewJobID(u uuid.UUID) JobID {
	return JobID{u: u}
}

// ParseJobID validates s and converts it into a JobID.
func ParseJobID(s string) (JobID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, fmt.Errorf("%w: %q", ErrInvalidJobID, s)
	}
	id := JobID{u: u}
	if err := id.Validate(); err != nil {
		return JobID{}, err
	}
	return id, nil
}

// MustParseJobID is ParseJobID for constants in tests and fixtures.
func MustParseJobID(s string) JobID {
	id, err := ParseJobID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate rejects the zero identifier.
func (id JobID) Validate() error {
	if id.u == uuid.Nil {
		return fmt.Errorf("%w: empty", ErrInvalidJobID)
	}
	return nil
}

// IsZero reports whether the identifier is unset.
func (id JobID) IsZero() bool {
	return id.u == uuid.Nil
}

// String returns the canonical UUID form.
func (id JobID) String() string {
	if id.IsZero() {
		return ""
	}
	return id.u.String()
}

// UUID exposes the underlying UUID for storage drivers.
func (id JobID) UUID() uuid.UUID {
	return id.u
}

// MarshalText implements encoding.TextMarshaler.
func (id JobID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *JobID) UnmarshalText(b []byte) error {
	parsed, err := ParseJobID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
