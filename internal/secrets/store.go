package secrets

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a secret id does not exist.
var ErrNotFound = errors.New("secret not found")

// SecretStore persists secrets encrypted at rest. Values only leave the
// store through Reveal; every other read returns metadata.
type SecretStore interface {
	Create(ctx context.Context, secret *SecretWithValue) error
	Get(ctx context.Context, id string) (*Secret, error)
	Reveal(ctx context.Context, id string) (string, error)
	Update(ctx context.Context, id string, req *UpdateSecretRequest) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*SecretListItem, error)
	ListByCategory(ctx context.Context, category SecretCategory) ([]*SecretListItem, error)
	Close() error
}
