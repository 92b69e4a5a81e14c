package session

import (
	"github.com/go-go-golems/parley/pkg/channel"
	"github.com/go-go-golems/parley/pkg/chat"
)

// Phase is the top-level state of a session.
type Phase string

const (
	PhaseAnonymous   Phase = "anonymous"
	PhaseRegistering Phase = "registering"
	PhaseJoined      Phase = "joined"
)

// HistoryStatus tracks the history load of the selected conversation.
type HistoryStatus string

const (
	HistoryIdle    HistoryStatus = "idle"
	HistoryLoading HistoryStatus = "loading"
	HistoryLoaded  HistoryStatus = "loaded"
	HistoryFailed  HistoryStatus = "failed"
)

// Snapshot is an immutable copy of the session state handed to the view.
// Version increases with every snapshot taken; a consumer that receives
// snapshots from several goroutines keeps the highest version.
type Snapshot struct {
	Version      uint64
	Phase        Phase
	Identity     string
	SelectedPeer string
	Messages     []chat.Message
	Roster       []chat.PeerUser
	Connection   channel.State
	History      HistoryStatus
	// Err is the last recoverable error, cleared by the next peer selection.
	Err error
}

// Joined reports whether the user is registered.
func (s Snapshot) Joined() bool {
	return s.Phase == PhaseJoined
}

// HasPeer reports whether a conversation is open.
func (s Snapshot) HasPeer() bool {
	return s.Phase == PhaseJoined && s.SelectedPeer != ""
}
