package secrets

import (
	"context"
	"errors"
)

// ErrNotFound is returned by providers for an unknown secret name.
var ErrNotFound = errors.New("secret not found")

// Provider fetches a secret as a flat key/value map.
type Provider interface {
	GetSecret(ctx context.Context, name string) (map[string]string, error)
}

// Static serves secrets from memory. Useful for local runs and tests.
type Static map[string]map[string]string

func (s Static) GetSecret(_ context.Context, name string) (map[string]string, error) {
	v, ok := s[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out, nil
}
