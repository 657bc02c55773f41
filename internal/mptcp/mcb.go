// Package mptcp implements the MasterControlBlock (MCB): the per-association
// state that aggregates subflows into one ordered byte stream (C7, §4.7), and
// the per-worker token→MCB directory used to bind an arriving MP_JOIN to its
// master (§3, §5). There is no MPTCP precedent in the teacher repo (its
// netstack package is an explicit TCP subset with "no retransmits, no
// congestion control"); the map+mutex directory idiom here follows
// tinyrange-cc's NetStack.tcpConns/tcpListen pattern (see DESIGN.md).
package mptcp

import (
	"errors"
	"sync"

	"github.com/rs/xid"

	"github.com/tinyrange/mtcpengine/internal/reassembly"
	"github.com/tinyrange/mtcpengine/internal/sendqueue"
	"github.com/tinyrange/mtcpengine/internal/seqnum"
)

// MaxSubflows bounds the subflow list per MCB (§3).
const MaxSubflows = 10

var (
	ErrSubflowCapReached = errors.New("mptcp: subflow cap reached")
	ErrTokenCollision    = errors.New("mptcp: token collision on MCB creation")
	ErrUnknownToken      = errors.New("mptcp: unknown token on MP_JOIN")
)

// ControlBlock is the MasterControlBlock (§3): token/IDSN identity, the
// data-level reassembly and send buffers, and the subflow roster.
type ControlBlock struct {
	mu sync.Mutex

	Token    uint32
	MyKey    uint64
	PeerKey  uint64
	MyIDSN   uint32
	PeerIDSN uint32

	MasterRecvBuf *reassembly.Buffer
	MasterSendBuf *sendqueue.Queue

	dataFinSeen   bool
	joinInitiated bool
	subflows      []xid.ID
}

// New creates an MCB. Token is derived from myKey (the side that owns this
// MCB registers it under its own key's token, so a peer's MP_JOIN — which
// names the token of the host being joined, per §8 S3 — resolves correctly
// regardless of which side is active or passive).
func New(myKey, peerKey uint64, myToken, myIDSN, peerIDSN uint32, recvBufSize, sendBufSize uint32) *ControlBlock {
	return &ControlBlock{
		Token:         myToken,
		MyKey:         myKey,
		PeerKey:       peerKey,
		MyIDSN:        myIDSN,
		PeerIDSN:      peerIDSN,
		MasterRecvBuf: reassembly.New(peerIDSN+1, recvBufSize),
		MasterSendBuf: sendqueue.New(myIDSN+1, sendBufSize),
	}
}

// RcvNxt returns the master stream's next expected data-level sequence
// number, applying the DATA_FIN bias exactly once per invariant 7.
func (c *ControlBlock) RcvNxt() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.MasterRecvBuf.RcvNxt()
	if c.dataFinSeen {
		n++
	}
	return n
}

// DataFinSeen reports whether DATA_FIN has been recorded.
func (c *ControlBlock) DataFinSeen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataFinSeen
}

// AddSubflow appends id to the subflow roster, enforcing the §3 cap of 10.
func (c *ControlBlock) AddSubflow(id xid.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subflows) >= MaxSubflows {
		return ErrSubflowCapReached
	}
	c.subflows = append(c.subflows, id)
	return nil
}

// Subflows returns a copy of the current subflow roster.
func (c *ControlBlock) Subflows() []xid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]xid.ID, len(c.subflows))
	copy(out, c.subflows)
	return out
}

// TryLatchJoinInitiated sets the join-initiated latch if unset, returning
// true exactly once across the MCB's lifetime (§4.6, §4.7).
func (c *ControlBlock) TryLatchJoinInitiated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinInitiated {
		return false
	}
	c.joinInitiated = true
	return true
}

// CopyFromSubflowToMpcb implements §4.7's subflow→master copy. It is called
// only after the subflow's own reassembly Put has succeeded and the subflow
// holds a contiguous run covering [subSeq, subSeq+length). It rejects stale
// or out-of-window data-level ranges, copies the bytes into the master
// reassembly keyed by dsn, advances the master's view (including the
// DATA_FIN bias, exactly once), and retires the copied bytes from the
// subflow buffer's engine-reader cursor so the subflow's window can re-open.
func (c *ControlBlock) CopyFromSubflowToMpcb(subRecvBuf *reassembly.Buffer, dsn uint32, subSeq uint32, length uint32, dataFin bool) (copied int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	masterRcvNxt := c.MasterRecvBuf.RcvNxt()
	if c.dataFinSeen {
		masterRcvNxt++
	}
	masterRcvWnd := c.MasterRecvBuf.RcvWnd()
	end := dsn + length

	if seqnum.LEQ(seqnum.Value(end), seqnum.Value(masterRcvNxt)) {
		return 0, false
	}
	if seqnum.GT(seqnum.Value(end), seqnum.Value(masterRcvNxt)+seqnum.Value(masterRcvWnd)) {
		return 0, false
	}

	bytes := subRecvBuf.Peek(subSeq, length)
	if len(bytes) == 0 {
		return 0, false
	}

	c.MasterRecvBuf.Put(dsn, bytes)
	if dataFin {
		c.dataFinSeen = true
	}
	subRecvBuf.Remove(uint32(len(bytes)), reassembly.ReaderEngine)
	return len(bytes), true
}

// HandleDataAck drives master send-buffer retirement from a cumulative
// DATA_ACK, identically to a subflow ACK driving its own send buffer (§4.7).
func (c *ControlBlock) HandleDataAck(ackSeq uint32) sendqueue.AckResult {
	return c.MasterSendBuf.Ack(ackSeq)
}

// Directory is the per-worker token→MCB map (§3, §5: "the MPTCP directory is
// per-worker; a join's token is presumed to resolve on the same worker as
// the master").
type Directory struct {
	mu      sync.Mutex
	byToken map[uint32]*ControlBlock
}

// NewDirectory creates an empty per-worker directory.
func NewDirectory() *Directory {
	return &Directory{byToken: make(map[uint32]*ControlBlock)}
}

// Register binds cb under its token, failing with ErrTokenCollision if the
// token is already registered (§4.7's token-uniqueness contract).
func (d *Directory) Register(cb *ControlBlock) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byToken[cb.Token]; exists {
		return ErrTokenCollision
	}
	d.byToken[cb.Token] = cb
	return nil
}

// Lookup resolves a token to its MCB, used when an MP_JOIN SYN arrives.
func (d *Directory) Lookup(token uint32) (*ControlBlock, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.byToken[token]
	return cb, ok
}

// Remove unregisters a token. The engine does not call it, so an MCB stays
// registered after its subflows are destroyed.
func (d *Directory) Remove(token uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byToken, token)
}

// Len returns the number of registered MCBs.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byToken)
}
