// Package history fetches the stored conversation between two users over
// HTTP: GET {endpoint}/messages/{self}/{peer}, oldest message first.
package history

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/endpoint"
)

// ErrFetch wraps every failure of a history request. Callers treat it as
// recoverable.
var ErrFetch = errors.New("history fetch failed")

const maxBodyBytes = 8 << 20

// Client is the production history fetcher.
type Client struct {
	endpoint *endpoint.Endpoint
	http     *http.Client
	token    func() string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithToken sends the continuation token as a bearer Authorization header.
func WithToken(token func() string) Option {
	return func(cl *Client) {
		cl.token = token
	}
}

func NewClient(ep *endpoint.Endpoint, opts ...Option) (*Client, error) {
	if ep == nil {
		return nil, endpoint.ErrMissing
	}
	c := &Client{
		endpoint: ep,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch returns the conversation of self and peer. Entries that fail
// validation are skipped rather than failing the whole conversation.
func (c *Client) Fetch(ctx context.Context, self, peer string) ([]chat.Message, error) {
	url := c.endpoint.HistoryURL(self, peer)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.Wrapf(ErrFetch, "GET %s: status %d", url, resp.StatusCode)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&raw); err != nil {
		return nil, errors.Wrap(ErrFetch, "decode body: "+err.Error())
	}
	out := make([]chat.Message, 0, len(raw))
	for i, r := range raw {
		m, err := chat.DecodeMessage(r)
		if err != nil {
			log.Warn().Err(err).Str("component", "history").Int("index", i).Msg("skipping malformed history entry")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
