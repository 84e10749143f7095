package coord

import (
	"time"

	"github.com/peervault/peervault/pkg/proto"
)

// pendingOp is an in-flight operation waiting on peer replies. All methods
// run on the coordinator loop.
type pendingOp interface {
	// onReply handles a peer message carrying this operation's correlation id.
	onReply(peerID string, msg *proto.Message)
	// onPeerDown is called when peerID disconnects or is replaced.
	onPeerDown(peerID string)
	// onTimeout is called after the entry's deadline passed. The entry has
	// already been removed from the table.
	onTimeout()
	// abort resolves the operation with err without further peer traffic
	// beyond best-effort cleanup.
	abort(err error)
}

type pendingEntry struct {
	op       pendingOp
	timer    *time.Timer
	deadline time.Time
}

// pendingTable maps correlation ids to in-flight operations.
type pendingTable struct {
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

func (p *pendingTable) add(id string, entry *pendingEntry) {
	p.entries[id] = entry
}

func (p *pendingTable) get(id string) (*pendingEntry, bool) {
	e, ok := p.entries[id]
	return e, ok
}

// remove deletes the entry and stops its timer. It reports whether the id was present.
func (p *pendingTable) remove(id string) bool {
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(p.entries, id)
	return true
}

// ids returns a snapshot of the current correlation ids.
func (p *pendingTable) ids() []string {
	out := make([]string, 0, len(p.entries))
	for id := range p.entries {
		out = append(out, id)
	}
	return out
}

func (p *pendingTable) len() int {
	return len(p.entries)
}
