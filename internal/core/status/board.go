// Package status holds the process-wide provisioning/connectivity status the
// settings UI renders. The core never presents to a human; it only writes here.
package status

import "sync"

// Track is one provisioning/activation track's state.
type Track string

const (
	Idle             Track = "idle"
	InProgress       Track = "inProgress"
	AwaitingResponse Track = "awaitingResponse"
	Success          Track = "success"
	Error            Track = "error"
)

// TrackName selects one of the four independent tracks.
type TrackName string

const (
	AutoProvisioning       TrackName = "autoProvisioning"
	AutoActivating         TrackName = "autoActivating"
	InviteCodeProvisioning TrackName = "inviteCodeProvisioning"
	InviteCodeActivating   TrackName = "inviteCodeActivating"
)

// Snapshot is an immutable copy of the whole board.
type Snapshot struct {
	AutoProvisioning       Track `json:"autoProvisioning"`
	AutoActivating         Track `json:"autoActivating"`
	InviteCodeProvisioning Track `json:"inviteCodeProvisioning"`
	InviteCodeActivating   Track `json:"inviteCodeActivating"`

	Connected      bool `json:"connected"`
	CloudConnected bool `json:"cloudConnected"`
	Online         bool `json:"online"`
	Activated      bool `json:"activated"`
}

// Board is safe for concurrent use; every mutation fans out one snapshot to
// the registered listeners.
type Board struct {
	mu        sync.Mutex
	snap      Snapshot
	listeners []func(Snapshot)
}

func New() *Board {
	return &Board{snap: Snapshot{
		AutoProvisioning:       Idle,
		AutoActivating:         Idle,
		InviteCodeProvisioning: Idle,
		InviteCodeActivating:   Idle,
	}}
}

// OnChange registers a listener called after every board mutation.
func (b *Board) OnChange(fn func(Snapshot)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// SetTrack moves one track to t.
func (b *Board) SetTrack(name TrackName, t Track) {
	b.mutate(func(s *Snapshot) {
		switch name {
		case AutoProvisioning:
			s.AutoProvisioning = t
		case AutoActivating:
			s.AutoActivating = t
		case InviteCodeProvisioning:
			s.InviteCodeProvisioning = t
		case InviteCodeActivating:
			s.InviteCodeActivating = t
		}
	})
}

// Track reads one track's current state.
func (b *Board) Track(name TrackName) Track {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch name {
	case AutoProvisioning:
		return b.snap.AutoProvisioning
	case AutoActivating:
		return b.snap.AutoActivating
	case InviteCodeProvisioning:
		return b.snap.InviteCodeProvisioning
	case InviteCodeActivating:
		return b.snap.InviteCodeActivating
	}
	return Idle
}

// ResetTracks returns all four tracks to idle, e.g. after a full local reset.
func (b *Board) ResetTracks() {
	b.mutate(func(s *Snapshot) {
		s.AutoProvisioning = Idle
		s.AutoActivating = Idle
		s.InviteCodeProvisioning = Idle
		s.InviteCodeActivating = Idle
	})
}

func (b *Board) SetConnected(v bool)      { b.mutate(func(s *Snapshot) { s.Connected = v }) }
func (b *Board) SetCloudConnected(v bool) { b.mutate(func(s *Snapshot) { s.CloudConnected = v }) }
func (b *Board) SetOnline(v bool)         { b.mutate(func(s *Snapshot) { s.Online = v }) }
func (b *Board) SetActivated(v bool)      { b.mutate(func(s *Snapshot) { s.Activated = v }) }

func (b *Board) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.Online
}

func (b *Board) Activated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.Activated
}

func (b *Board) mutate(fn func(*Snapshot)) {
	b.mu.Lock()
	fn(&b.snap)
	snap := b.snap
	listeners := b.listeners
	b.mu.Unlock()
	for _, l := range listeners {
		l(snap)
	}
}
