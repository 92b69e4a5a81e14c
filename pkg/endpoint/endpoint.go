// Package endpoint validates the one externally supplied server location and
// derives the websocket and history URLs from it. There is deliberately no
// default value: an unset endpoint is a configuration error.
package endpoint

import (
	"net/url"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// ErrMissing is returned when no endpoint was configured.
var ErrMissing = errors.New("endpoint is not configured")

// SocketPath is where the realtime channel is served relative to the base.
const SocketPath = "/ws"

// Endpoint is a validated http(s) base URL.
type Endpoint struct {
	base *url.URL
}

// Parse accepts an absolute http or https URL with a host. Query and fragment
// are rejected because they would silently leak into every derived URL.
func Parse(raw string) (*Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissing
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse endpoint %q", raw)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, errors.Errorf("endpoint %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, errors.Errorf("endpoint %q: missing host", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, errors.Errorf("endpoint %q: query and fragment are not allowed", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return &Endpoint{base: u}, nil
}

func (e *Endpoint) String() string {
	return e.base.String()
}

// SocketURL is the websocket URL: ws for http, wss for https.
func (e *Endpoint) SocketURL() string {
	u := *e.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = path.Join("/", u.Path, SocketPath)
	return u.String()
}

// HistoryURL is GET {base}/messages/{self}/{peer} with both names escaped as
// single path segments.
func (e *Endpoint) HistoryURL(self, peer string) string {
	u := *e.base
	u.Path = e.base.Path + "/messages/" + self + "/" + peer
	u.RawPath = e.base.EscapedPath() + "/messages/" + url.PathEscape(self) + "/" + url.PathEscape(peer)
	return u.String()
}
