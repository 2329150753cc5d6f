// Package ids issues identifiers for connections and persisted records.
package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Provider issues unique identifiers.
type Provider interface {
	NewID() (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() (string, error)

func (f ProviderFunc) NewID() (string, error) {
	return f()
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues time ordered UUIDv7 values.
func NewUUIDProvider() Provider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewSequenceProvider issues prefix-1, prefix-2 and so on. Useful where
// identifiers must be predictable.
func NewSequenceProvider(prefix string) Provider {
	var counter atomic.Int64
	return ProviderFunc(func() (string, error) {
		return fmt.Sprintf("%s-%d", prefix, counter.Add(1)), nil
	})
}
