// Package ids issues identifiers for persisted review records.
package ids

import "github.com/google/uuid"

// Provider issues unique record identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Sequence hands out a fixed list of identifiers in order; tests use it for stable ids.
type Sequence struct {
	values []string
	index  int
}

// NewSequence builds a Sequence over the provided identifiers.
func NewSequence(values ...string) *Sequence {
	return &Sequence{values: append([]string(nil), values...)}
}

func (s *Sequence) NewID() (string, error) {
	if s.index >= len(s.values) {
		value, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		return value.String(), nil
	}
	value := s.values[s.index]
	s.index++
	return value, nil
}
