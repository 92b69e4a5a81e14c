// Package identity persists the local user's display name, and the opaque
// session continuation token issued by an outer auth layer, across restarts.
//
// Storage problems are never fatal: a store that cannot be read behaves like a
// store with nothing saved.
package identity

import "context"

// Store is the persistence contract used by the session controller.
type Store interface {
	// Load returns the saved display name, or false when there is none.
	Load(ctx context.Context) (string, bool)
	Save(ctx context.Context, name string) error
	// Clear removes the name and the token.
	Clear(ctx context.Context) error

	Token(ctx context.Context) (string, bool)
	SaveToken(ctx context.Context, token string) error
}

// Record is the persisted document.
type Record struct {
	Username string `yaml:"username,omitempty"`
	Token    string `yaml:"token,omitempty"`
}
