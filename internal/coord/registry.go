package coord

import (
	"time"

	"github.com/peervault/peervault/pkg/proto"
)

// PeerChannel is the coordinator's handle on a connected storage peer.
// Send must not block; implementations queue the message and return.
type PeerChannel interface {
	Send(msg *proto.Message) error
	Close() error
}

// PeerStatus is the liveness of a registered peer.
type PeerStatus int

const (
	PeerConnected PeerStatus = iota
	PeerDisconnected
)

func (s PeerStatus) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerInfo is a point-in-time view of one registry entry.
type PeerInfo struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	RegisteredAt   time.Time  `json:"registered_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

type peerEntry struct {
	id             string
	ch             PeerChannel
	status         PeerStatus
	registeredAt   time.Time
	disconnectedAt time.Time
}

// registry tracks every peer that ever registered, in first-registration
// order. Entries are never removed; a disconnected peer keeps its slot.
// Only the coordinator loop touches it.
type registry struct {
	order []string
	peers map[string]*peerEntry
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*peerEntry)}
}

// register adds or replaces a peer and returns the channel it displaced, if any.
// A replaced peer keeps its original position.
func (r *registry) register(id string, ch PeerChannel, now time.Time) PeerChannel {
	entry, ok := r.peers[id]
	if !ok {
		r.order = append(r.order, id)
		r.peers[id] = &peerEntry{id: id, ch: ch, status: PeerConnected, registeredAt: now}
		return nil
	}

	old := entry.ch
	entry.ch = ch
	entry.status = PeerConnected
	entry.registeredAt = now
	entry.disconnectedAt = time.Time{}
	if old == ch {
		return nil
	}
	return old
}

// markDisconnected flags the peer as down if ch is still its current channel.
// It reports whether the registry changed.
func (r *registry) markDisconnected(id string, ch PeerChannel, now time.Time) bool {
	entry, ok := r.peers[id]
	if !ok || entry.ch != ch || entry.status == PeerDisconnected {
		return false
	}
	entry.status = PeerDisconnected
	entry.disconnectedAt = now
	return true
}

// listLive returns connected peer ids in registry order.
func (r *registry) listLive() []string {
	live := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.peers[id].status == PeerConnected {
			live = append(live, id)
		}
	}
	return live
}

func (r *registry) isLive(id string) bool {
	entry, ok := r.peers[id]
	return ok && entry.status == PeerConnected
}

// liveChannel returns the channel of a connected peer.
func (r *registry) liveChannel(id string) (PeerChannel, bool) {
	entry, ok := r.peers[id]
	if !ok || entry.status != PeerConnected {
		return nil, false
	}
	return entry.ch, true
}

func (r *registry) liveCount() int {
	n := 0
	for _, entry := range r.peers {
		if entry.status == PeerConnected {
			n++
		}
	}
	return n
}

func (r *registry) snapshot() []PeerInfo {
	out := make([]PeerInfo, 0, len(r.order))
	for _, id := range r.order {
		entry := r.peers[id]
		info := PeerInfo{
			ID:           id,
			Status:       entry.status.String(),
			RegisteredAt: entry.registeredAt,
		}
		if entry.status == PeerDisconnected {
			at := entry.disconnectedAt
			info.DisconnectedAt = &at
		}
		out = append(out, info)
	}
	return out
}

// channels returns every current channel, live or not, for shutdown.
func (r *registry) channels() []PeerChannel {
	out := make([]PeerChannel, 0, len(r.peers))
	for _, id := range r.order {
		out = append(out, r.peers[id].ch)
	}
	return out
}
