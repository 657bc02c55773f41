// Package flowtable implements the 4-tuple flow table and listener directory
// (C8): the engine's only means of finding the Flow a segment belongs to.
// Grounded on tinyrange-cc's NetStack.tcpConns/tcpListen map+mutex pattern
// (internal/netstack/netstack.go), generalized from a single-stack map to a
// per-worker table exposing Prometheus occupancy (§5, §9).
package flowtable

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/mtcpengine/internal/flow"
	"github.com/tinyrange/mtcpengine/internal/seqnum"
)

// Listener is a bound port accepting new passive connections.
type Listener struct {
	LocalIP   [4]byte
	LocalPort uint16
	AnyIP     bool // true for a 0.0.0.0-style wildcard bind
}

// matches reports whether an inbound 4-tuple's destination side matches this
// listener, per §4.6's bound-IP-or-ANY rule.
func (l Listener) matches(t flow.FourTuple) bool {
	if t.LocalPort != l.LocalPort {
		return false
	}
	return l.AnyIP || l.LocalIP == t.LocalIP
}

// Table is the per-worker flow table: a 4-tuple-keyed map of live Flows plus
// the listener directory consulted when no flow matches (§4.6, §5).
type Table struct {
	mu        sync.Mutex
	flows     map[flow.FourTuple]*flow.Flow
	listeners map[uint16]Listener
	log       *slog.Logger

	occupancy prometheus.Gauge
}

// New creates an empty flow table. occupancy may be nil; when non-nil it is
// kept in sync with table size on every insert/remove.
func New(log *slog.Logger, occupancy prometheus.Gauge) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		flows:     make(map[flow.FourTuple]*flow.Flow),
		listeners: make(map[uint16]Listener),
		log:       log,
		occupancy: occupancy,
	}
}

// Bind registers a listener on port for the given local IP (or ANY).
func (t *Table) Bind(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[l.LocalPort] = l
}

// Unbind removes a listener.
func (t *Table) Unbind(port uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, port)
}

// Insert adds a Flow keyed by its 4-tuple.
func (t *Table) Insert(f *flow.Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flows[f.Tuple] = f
	t.syncOccupancyLocked()
}

// Remove deletes a Flow from the table.
func (t *Table) Remove(tuple flow.FourTuple) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, tuple)
	t.syncOccupancyLocked()
}

func (t *Table) syncOccupancyLocked() {
	if t.occupancy != nil {
		t.occupancy.Set(float64(len(t.flows)))
	}
}

// Lookup finds the Flow for an inbound 4-tuple.
func (t *Table) Lookup(tuple flow.FourTuple) (*flow.Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[tuple]
	return f, ok
}

// Len reports the current number of tracked flows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// Dispatch implements §4.6's "CreateNewFlowHTEntry" decision for a segment
// whose 4-tuple has no existing flow entry: a bare SYN on a matching
// listener spawns a passive Flow; anything carrying RST is dropped; any
// other segment gets a standalone RST reply.
//
// clientISN/myISS/mss are supplied by the caller (the engine owns ISS
// generation and RNG); Dispatch only decides the match/clone/reject policy.
func (t *Table) Dispatch(tuple flow.FourTuple, syn bool, rst bool, clientISN seqnum.Value, myISS seqnum.Value, params flow.Params) (*flow.Flow, DispatchAction) {
	if rst {
		return nil, DispatchDrop
	}
	if !syn {
		return nil, DispatchStandaloneRST
	}

	t.mu.Lock()
	l, ok := t.listeners[tuple.LocalPort]
	t.mu.Unlock()
	if !ok || !l.matches(tuple) {
		return nil, DispatchStandaloneRST
	}

	params.Tuple = tuple
	f := flow.NewPassive(params, clientISN, myISS)
	t.Insert(f)
	t.log.Debug("flowtable: passive flow created", "tuple", tuple)
	return f, DispatchAccepted
}

// DispatchAction reports what Dispatch decided for an unmatched segment.
type DispatchAction int

const (
	DispatchAccepted DispatchAction = iota
	DispatchDrop
	DispatchStandaloneRST
)
