// Package flow implements the per-connection TCP/MPTCP data model (§3) and
// the eleven-state RFC 793 state machine augmented with MPTCP subflow hooks
// (C6, §4.6). Grounded on tinyrange-cc's internal/netstack tcpConn/tcpState,
// expanded from that teacher's four-state sketch (SYN_RCVD/ESTABLISHED/
// FIN_WAIT/CLOSED, "no retransmits, no congestion control" by its own
// package doc) to the full state machine spec.md §4.6 requires.
package flow

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"github.com/tinyrange/mtcpengine/internal/congestion"
	"github.com/tinyrange/mtcpengine/internal/mptcp"
	"github.com/tinyrange/mtcpengine/internal/reassembly"
	"github.com/tinyrange/mtcpengine/internal/sendqueue"
	"github.com/tinyrange/mtcpengine/internal/seqnum"
	"github.com/tinyrange/mtcpengine/internal/tcpopt"
)

// State is one of the eleven RFC 793 connection states (§3).
type State int

const (
	StateListen State = iota
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateCloseWait
	StateLastAck
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CloseReason records why a flow left the connected states (§7).
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonActiveClose
	ReasonPassiveClose
	ReasonReset
	ReasonNoMem
)

// FourTuple identifies a flow (§3).
type FourTuple struct {
	LocalIP    [4]byte
	LocalPort  uint16
	RemoteIP   [4]byte
	RemotePort uint16
}

// TCP header flag bits.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
)

// Default tuning parameters (§6 client.conf defaults, overridable per flow).
const (
	DefaultRecvBufferSize = 64 * 1024
	DefaultSendBufferSize = 64 * 1024
	DefaultMSS            = 1460
	MSL                   = 30 * time.Second
)

// EventType is one of the byte-stream events surfaced toward the application
// (§6).
type EventType int

const (
	EventReadable EventType = iota
	EventWritable
	EventError
	EventClose
	EventAccept
)

// ActionKind enumerates the control outputs a Flow posts for the engine to
// flush after a handler returns (§5, §6): ACK scheduling, the send/control
// lists, destruction, events, and MPTCP subflow connect requests.
type ActionKind int

const (
	ActionSendSegment ActionKind = iota
	ActionScheduleACK
	ActionScheduleImmediateACK
	ActionEnqueueSendList
	ActionEnqueueControlList
	ActionDestroy
	ActionRaiseEvent
	ActionAcceptReady
	ActionConnectSubflow
	ActionArmRTO
	ActionArmTimeWait
	ActionRegisterMCB
)

// OutSegment is a fully-formed outbound TCP segment (§6's send_standalone).
type OutSegment struct {
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Options []byte
	Payload []byte
}

// ConnectRequest describes a subflow the engine should initiate (§4.7's
// MP_JOIN initiator, §6's configured secondary source address); the engine
// supplies the secondary local address from its own config, so only the far
// end and the master's token travel with the request.
type ConnectRequest struct {
	RemoteIP   [4]byte
	RemotePort uint16
	Token      uint32
}

// Action is one posted control output. Exactly the fields relevant to Kind
// are populated.
type Action struct {
	Kind    ActionKind
	Segment OutSegment
	Event   EventType
	Reason  CloseReason
	Connect ConnectRequest
	MCB     *mptcp.ControlBlock
}

// Flow is one TCP connection or MPTCP subflow (§3).
type Flow struct {
	ID    xid.ID
	Tuple FourTuple
	State State
	log   *slog.Logger

	// Receive side.
	IRS      seqnum.Value
	RecvBuf  *reassembly.Buffer
	TSRecent uint32
	SACK     *congestion.SACKTable
	sawTS    bool

	// Send side.
	ISS         seqnum.Value
	SndUna      seqnum.Value
	SndNxt      seqnum.Value
	SendBuf     *sendqueue.Queue
	PeerWndRaw  uint32 // as advertised on the wire, pre-shift
	WScalePeer  uint8
	HasWScale   bool
	MSS         uint16
	EffMSS      uint16
	FSS         seqnum.Value
	IsFinSent   bool

	// Loss/congestion.
	RTT      *congestion.RTTEstimator
	CC       *congestion.Control
	lastAck  seqnum.Value
	hasLastAck bool
	lastPeerWnd uint32
	nrtx     int

	// Option negotiation (§4.2, §6).
	EnableSACK       bool
	EnableTimestamps bool
	MyWScale         uint8
	PeerSACKPermitted bool

	// MPTCP.
	MCB             *mptcp.ControlBlock
	IsSubflow       bool
	IsJoinInitiator bool
	PeerRandom      uint32
	MyRandom        uint32
	MyKey           uint64
	WantMPCapable   bool
	WantMPJoin      bool
	JoinToken       uint32

	// Timer membership flags (§3 invariant 4: exactly one list per concern).
	OnSendList    bool
	OnControlList bool
	OnRTOList     bool
	OnTimeWaitList bool

	closeReason CloseReason
	actions     []Action
}

// Params configures a new Flow.
type Params struct {
	Tuple            FourTuple
	Logger           *slog.Logger
	RecvBufSize      uint32
	SendBufSize      uint32
	MSS              uint16
	EnableSACK       bool
	EnableTimestamps bool
}

func (p Params) withDefaults() Params {
	if p.RecvBufSize == 0 {
		p.RecvBufSize = DefaultRecvBufferSize
	}
	if p.SendBufSize == 0 {
		p.SendBufSize = DefaultSendBufferSize
	}
	if p.MSS == 0 {
		p.MSS = DefaultMSS
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// NewListening creates a Flow in LISTEN state representing a bound listener
// slot's template; in practice each accepted connection clones fresh state
// via NewPassive.
func NewListening(p Params) *Flow {
	p = p.withDefaults()
	return &Flow{
		ID:     xid.New(),
		Tuple:  p.Tuple,
		State:  StateListen,
		log:    p.Logger,
		MSS:    p.MSS,
		EffMSS: p.MSS,
	}
}

// NewPassive creates a Flow for a SYN arriving on a listener, in SYN_RCVD
// after the caller advances it (§4.6 LISTEN handler).
func NewPassive(p Params, clientISN seqnum.Value, myISS seqnum.Value) *Flow {
	p = p.withDefaults()
	f := &Flow{
		ID:               xid.New(),
		Tuple:            p.Tuple,
		State:            StateListen,
		log:              p.Logger,
		IRS:              clientISN,
		ISS:              myISS,
		SndUna:           myISS,
		SndNxt:           myISS,
		MSS:              p.MSS,
		EffMSS:           p.MSS,
		RecvBuf:          reassembly.New(uint32(clientISN)+1, p.RecvBufSize),
		SendBuf:          sendqueue.New(uint32(myISS)+1, p.SendBufSize),
		RTT:              congestion.NewRTTEstimator(),
		CC:               congestion.New(uint32(p.MSS)),
		SACK:             congestion.NewSACKTable(),
		EnableSACK:       p.EnableSACK,
		EnableTimestamps: p.EnableTimestamps,
	}
	return f
}

// NewActive creates a Flow for an application-initiated connect, in
// SYN_SENT after the caller sends the initial SYN (§4.6).
func NewActive(p Params, myISS seqnum.Value) *Flow {
	p = p.withDefaults()
	return &Flow{
		ID:               xid.New(),
		Tuple:            p.Tuple,
		State:            StateSynSent,
		log:              p.Logger,
		ISS:              myISS,
		SndUna:           myISS,
		SndNxt:           myISS + 1,
		MSS:              p.MSS,
		EffMSS:           p.MSS,
		SendBuf:          sendqueue.New(uint32(myISS)+1, p.SendBufSize),
		RTT:              congestion.NewRTTEstimator(),
		CC:               congestion.New(uint32(p.MSS)),
		SACK:             congestion.NewSACKTable(),
		EnableSACK:       p.EnableSACK,
		EnableTimestamps: p.EnableTimestamps,
	}
}

// PrepareMPCapable marks a freshly created active Flow as requesting
// MP_CAPABLE on its initial SYN, stashing the locally generated key the
// SYN_SENT handler needs to derive the IDSN and, on completion, the MCB
// (§4.6's active-open half).
func (f *Flow) PrepareMPCapable(myKey uint64) {
	f.WantMPCapable = true
	f.MyKey = myKey
}

// PrepareMPJoin marks a freshly created active Flow as an MP_JOIN subflow
// connect (§4.7's MP_JOIN initiator): cb is the already-registered master
// MCB this subflow is joining, identified by token.
func (f *Flow) PrepareMPJoin(token uint32, cb *mptcp.ControlBlock) {
	f.WantMPJoin = true
	f.JoinToken = token
	f.MyRandom = newRandomNonce()
	f.MCB = cb
	f.IsSubflow = true
	f.IsJoinInitiator = true
}

// newRandomNonce draws a 32-bit MP_JOIN nonce from crypto/rand, falling back
// to the clock only if the system RNG is unavailable.
func newRandomNonce() uint32 {
	var b [4]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

func (f *Flow) emit(a Action) { f.actions = append(f.actions, a) }

// DrainActions returns and clears the pending control outputs posted by the
// most recent handler call (§5: "flushing scheduled outputs ... before
// returning to poll").
func (f *Flow) DrainActions() []Action {
	out := f.actions
	f.actions = nil
	return out
}

// CloseReason reports why a flow reached CLOSED, if applicable.
func (f *Flow) CloseReason() CloseReason { return f.closeReason }

// PeerWindow returns the peer's advertised window left-shifted by the
// negotiated window scale (§C: centralizing the shift instead of applying it
// ad hoc at each call site).
func (f *Flow) PeerWindow() uint32 {
	if f.HasWScale {
		return f.PeerWndRaw << f.WScalePeer
	}
	return f.PeerWndRaw
}

// RcvNxt returns the flow's next expected receive sequence number, which by
// invariant 1 always equals RecvBuf.head_seq + RecvBuf.merged_len.
func (f *Flow) RcvNxt() seqnum.Value {
	if f.RecvBuf == nil {
		return f.IRS
	}
	return seqnum.Value(f.RecvBuf.RcvNxt())
}

// RcvWnd returns the receive window to advertise.
func (f *Flow) RcvWnd() uint32 {
	if f.RecvBuf == nil {
		return 0
	}
	return f.RecvBuf.RcvWnd()
}

// computeEffMSS applies §4.2's effective-MSS rule: subtract timestamp option
// overhead (12 bytes: the 10-byte option padded to a 4-byte boundary) if
// timestamps are in use.
func (f *Flow) computeEffMSS() {
	eff := f.MSS
	if f.sawTS && eff > 12 {
		eff -= 12
	}
	f.EffMSS = eff
}

// applyParsedOptions folds parsed TCP options into flow state per §4.2.
func (f *Flow) applyParsedOptions(opts tcpopt.Parsed) {
	if opts.HasMSS {
		f.MSS = opts.MSS
	}
	if opts.HasWindowScale {
		f.WScalePeer = opts.WindowScale
		f.HasWScale = true
	}
	if opts.SACKPermitted {
		f.PeerSACKPermitted = true
	}
	if opts.HasTimestamps {
		f.sawTS = true
		f.TSRecent = opts.Timestamps.TSval
	}
	f.computeEffMSS()
}

// isDuplicateAck implements §4.5's dup-ACK predicate.
func (f *Flow) isDuplicateAck(ackSeq seqnum.Value, payloadLen int, peerWndRaw uint32) bool {
	if !f.hasLastAck {
		return false
	}
	return ackSeq == f.lastAck &&
		payloadLen == 0 &&
		peerWndRaw == f.lastPeerWnd &&
		f.SendBuf.InFlight() > 0 &&
		seqnum.LT(ackSeq, f.SndNxt)
}
