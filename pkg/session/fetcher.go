//go:generate go run go.uber.org/mock/mockgen -source=fetcher.go -destination=mocks/mock_fetcher.go -package=mocks
package session

import (
	"context"

	"github.com/go-go-golems/parley/pkg/chat"
)

// HistoryFetcher loads the stored conversation of self and peer, oldest
// first.
type HistoryFetcher interface {
	Fetch(ctx context.Context, self, peer string) ([]chat.Message, error)
}
