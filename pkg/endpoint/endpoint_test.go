package endpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
		socket  string
	}{
		{raw: "https://chat.example.com", socket: "wss://chat.example.com/ws"},
		{raw: "http://127.0.0.1:8080/", socket: "ws://127.0.0.1:8080/ws"},
		{raw: "https://example.com/parley/", socket: "wss://example.com/parley/ws"},
		{raw: "", wantErr: true},
		{raw: "   ", wantErr: true},
		{raw: "localhost:8080", wantErr: true},
		{raw: "ftp://example.com", wantErr: true},
		{raw: "https://", wantErr: true},
		{raw: "https://example.com?x=1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			e, err := Parse(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.socket, e.SocketURL())
		})
	}
}

func TestParse_EmptyIsMissing(t *testing.T) {
	_, err := Parse("")
	require.ErrorIs(t, err, ErrMissing)
}

func TestHistoryURL_EscapesSegments(t *testing.T) {
	e, err := Parse("https://example.com/api")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/api/messages/alice/bob", e.HistoryURL("alice", "bob"))
	require.Equal(t, "https://example.com/api/messages/al%2Fice/bob%20smith", e.HistoryURL("al/ice", "bob smith"))
}
