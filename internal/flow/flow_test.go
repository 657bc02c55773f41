package flow

import (
	"testing"
	"time"

	"github.com/tinyrange/mtcpengine/internal/mptcp"
	"github.com/tinyrange/mtcpengine/internal/seqnum"
	"github.com/tinyrange/mtcpengine/internal/tcpopt"
)

func synAck(f *Flow) OutSegment {
	for _, a := range f.DrainActions() {
		if a.Kind == ActionSendSegment {
			return a.Segment
		}
	}
	return OutSegment{}
}

// TestPassiveHandshake covers §8 S1: a SYN arrives on a listener, the clone
// answers SYN-ACK, and the final ACK moves it to ESTABLISHED.
func TestPassiveHandshake(t *testing.T) {
	f := NewPassive(Params{}, seqnum.Value(1000), seqnum.Value(5000))
	f.AcceptSyn(tcpopt.Parsed{})
	out := synAck(f)
	if out.Flags != FlagSYN|FlagACK {
		t.Fatalf("expected SYN-ACK, got flags %x", out.Flags)
	}
	if f.State != StateSynRcvd {
		t.Fatalf("expected SYN_RCVD, got %v", f.State)
	}

	f.Handle(Segment{Seq: seqnum.Value(1001), Ack: seqnum.Value(5001), Flags: FlagACK})
	if f.State != StateEstablished {
		t.Fatalf("expected ESTABLISHED after final ACK, got %v", f.State)
	}
}

// TestActiveHandshake covers §8 S2's TCP half: an active open receives
// SYN-ACK and completes with an ACK, entering ESTABLISHED.
func TestActiveHandshake(t *testing.T) {
	f := NewActive(Params{}, seqnum.Value(2000))
	f.Handle(Segment{Seq: seqnum.Value(9000), Ack: seqnum.Value(2001), Flags: FlagSYN | FlagACK})
	if f.State != StateEstablished {
		t.Fatalf("expected ESTABLISHED, got %v", f.State)
	}
	acts := f.DrainActions()
	found := false
	for _, a := range acts {
		if a.Kind == ActionSendSegment && a.Segment.Flags == FlagACK {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a final ACK to be sent, got %+v", acts)
	}
}

// TestMPJoinSubflowLatchesOnce covers §8 S3's initiator-latch invariant: the
// join-initiator connect action fires exactly once per MCB.
func TestMPJoinSubflowLatchesOnce(t *testing.T) {
	mcb := mptcp.New(111, 222, 0xAAAA, 1, 2, 64*1024, 64*1024)

	f1 := NewPassive(Params{}, seqnum.Value(1000), seqnum.Value(5000))
	f1.MCB = mcb
	f1.IsSubflow = true
	f1.AcceptSyn(tcpopt.Parsed{})
	f1.DrainActions()
	f1.Handle(Segment{Seq: seqnum.Value(1001), Ack: seqnum.Value(5001), Flags: FlagACK})

	var connects int
	for _, a := range f1.DrainActions() {
		if a.Kind == ActionConnectSubflow {
			connects++
		}
	}
	if connects != 1 {
		t.Fatalf("expected exactly one subflow connect action, got %d", connects)
	}

	f2 := NewPassive(Params{}, seqnum.Value(2000), seqnum.Value(6000))
	f2.MCB = mcb
	f2.IsSubflow = true
	f2.AcceptSyn(tcpopt.Parsed{})
	f2.DrainActions()
	f2.Handle(Segment{Seq: seqnum.Value(2001), Ack: seqnum.Value(6001), Flags: FlagACK})

	connects = 0
	for _, a := range f2.DrainActions() {
		if a.Kind == ActionConnectSubflow {
			connects++
		}
	}
	if connects != 0 {
		t.Fatalf("expected the latch to suppress a second connect action, got %d", connects)
	}
}

// TestFastRetransmitOnThirdDupAck covers §8 S4: three duplicate ACKs
// retransmit the oldest unacked segment and halve ssthresh.
func TestFastRetransmitOnThirdDupAck(t *testing.T) {
	f := NewPassive(Params{}, seqnum.Value(1000), seqnum.Value(5000))
	f.AcceptSyn(tcpopt.Parsed{})
	f.DrainActions()
	f.Handle(Segment{Seq: seqnum.Value(1001), Ack: seqnum.Value(5001), Flags: FlagACK, Window: 4096})
	f.DrainActions()

	f.CC.CompleteHandshake()
	payload := []byte("hello-world-data")
	f.SendBuf.Push(payload)
	f.SndNxt += seqnum.Value(len(payload))

	for i := 0; i < 3; i++ {
		f.Handle(Segment{Seq: seqnum.Value(1001), Ack: seqnum.Value(5001), Flags: FlagACK, Window: 4096})
	}

	var retransmitted, sawEnqueueSendList bool
	for _, a := range f.DrainActions() {
		if a.Kind == ActionSendSegment && len(a.Segment.Payload) > 0 {
			retransmitted = true
		}
		if a.Kind == ActionEnqueueSendList {
			sawEnqueueSendList = true
		}
	}
	if !retransmitted {
		t.Fatalf("expected a fast retransmit segment to be sent")
	}
	if !sawEnqueueSendList {
		t.Fatalf("expected the flow to be placed on the send list per §4.5's third-dup-ack response")
	}
	if want := seqnum.Value(5001) + seqnum.Value(len(payload)); f.SndNxt != want {
		t.Fatalf("expected snd_nxt to rewind to ack_seq and re-advance by the retransmitted segment, got %d want %d", f.SndNxt, want)
	}
}

// TestStaleBelowWindowSegmentDropped covers a segment wholly below the
// receive window: RecvBuf.Put rejects it, so it is dropped with only an
// immediate ACK scheduled and no data delivered. This is independent of PAWS
// (no timestamps are in use here) — see TestPAWSDropsStaleTimestampSegment
// for the ts_recent-driven gate.
func TestStaleBelowWindowSegmentDropped(t *testing.T) {
	f := NewPassive(Params{}, seqnum.Value(1000), seqnum.Value(5000))
	f.AcceptSyn(tcpopt.Parsed{})
	f.DrainActions()
	f.Handle(Segment{Seq: seqnum.Value(1001), Ack: seqnum.Value(5001), Flags: FlagACK})
	f.DrainActions()

	f.Handle(Segment{Seq: seqnum.Value(500), Flags: FlagACK, Payload: []byte("stale")})

	acts := f.DrainActions()
	var sawReadable bool
	for _, a := range acts {
		if a.Kind == ActionRaiseEvent && a.Event == EventReadable {
			sawReadable = true
		}
	}
	if sawReadable {
		t.Fatalf("expected stale segment not to surface readable data")
	}
	if f.RecvBuf.MergedLen() != 0 {
		t.Fatalf("expected no bytes merged from a stale segment")
	}
}

// TestPAWSDropsStaleTimestampSegment covers §8 S5 literally: an ESTABLISHED
// flow with ts_recent=0x10000000 receives a segment with TSval=0x0FFFFFFF
// (older) and one byte of payload; the segment is dropped, an immediate ACK
// is scheduled, and rcv_nxt is left unchanged.
func TestPAWSDropsStaleTimestampSegment(t *testing.T) {
	f := NewPassive(Params{}, seqnum.Value(1000), seqnum.Value(5000))
	f.AcceptSyn(tcpopt.Parsed{})
	f.DrainActions()
	f.Handle(Segment{
		Seq: seqnum.Value(1001), Ack: seqnum.Value(5001), Flags: FlagACK,
		Options: tcpopt.Parsed{HasTimestamps: true, Timestamps: tcpopt.Timestamps{TSval: 0x10000000}},
	})
	f.DrainActions()
	if !f.sawTS || f.TSRecent != 0x10000000 {
		t.Fatalf("expected ts_recent to be seeded from the handshake, got sawTS=%v TSRecent=%#x", f.sawTS, f.TSRecent)
	}

	rcvNxtBefore := f.RcvNxt()
	f.Handle(Segment{
		Seq: seqnum.Value(1001), Ack: seqnum.Value(5001), Flags: FlagACK,
		Payload: []byte("x"),
		Options: tcpopt.Parsed{HasTimestamps: true, Timestamps: tcpopt.Timestamps{TSval: 0x0FFFFFFF}},
	})

	acts := f.DrainActions()
	var sawImmediateACK, sawReadable bool
	for _, a := range acts {
		if a.Kind == ActionScheduleImmediateACK {
			sawImmediateACK = true
		}
		if a.Kind == ActionRaiseEvent && a.Event == EventReadable {
			sawReadable = true
		}
	}
	if !sawImmediateACK {
		t.Fatalf("expected an immediate ACK to be scheduled for a PAWS-failed segment")
	}
	if sawReadable {
		t.Fatalf("expected a PAWS-failed segment not to surface readable data")
	}
	if f.RcvNxt() != rcvNxtBefore {
		t.Fatalf("expected rcv_nxt to be unchanged by a PAWS-failed segment, got %d want %d", f.RcvNxt(), rcvNxtBefore)
	}
	if f.TSRecent != 0x10000000 {
		t.Fatalf("expected ts_recent to remain at 0x10000000 after a PAWS failure, got %#x", f.TSRecent)
	}
}

// TestOrderedMasterReassemblyOverTwoSubflows covers §8 S6: data arriving
// out of data-sequence order on two subflows reassembles into one ordered
// master stream once both ranges are present.
func TestOrderedMasterReassemblyOverTwoSubflows(t *testing.T) {
	mcb := mptcp.New(1, 2, 0xBEEF, 100, 100, 4096, 4096)

	subA := NewPassive(Params{}, seqnum.Value(50), seqnum.Value(9000))
	subA.MCB = mcb
	subA.IsSubflow = true
	subA.AcceptSyn(tcpopt.Parsed{})
	subA.DrainActions()
	subA.Handle(Segment{Seq: seqnum.Value(51), Ack: seqnum.Value(9001), Flags: FlagACK})
	subA.DrainActions()

	subB := NewPassive(Params{}, seqnum.Value(900), seqnum.Value(9100))
	subB.MCB = mcb
	subB.IsSubflow = true
	subB.AcceptSyn(tcpopt.Parsed{})
	subB.DrainActions()
	subB.Handle(Segment{Seq: seqnum.Value(901), Ack: seqnum.Value(9101), Flags: FlagACK})
	subB.DrainActions()

	// Second half of the master stream arrives first, on subflow B.
	subB.Handle(Segment{
		Seq:     seqnum.Value(901),
		Ack:     seqnum.Value(9101),
		Flags:   FlagACK,
		Payload: []byte("world"),
		Options: tcpopt.Parsed{MPTCP: &tcpopt.MPTCPOption{
			Subtype: tcpopt.SubtypeDSS,
			DSS: &tcpopt.DSS{HasDSN: true, DSN: 106, SubSeq: 901, DataLen: 5},
		}},
	})
	subB.DrainActions()

	if mcb.RcvNxt() != 101 {
		t.Fatalf("expected master rcv_nxt to stay at the gap (101), got %d", mcb.RcvNxt())
	}

	// First half arrives on subflow A, closing the gap.
	subA.Handle(Segment{
		Seq:     seqnum.Value(51),
		Ack:     seqnum.Value(9001),
		Flags:   FlagACK,
		Payload: []byte("hello"),
		Options: tcpopt.Parsed{MPTCP: &tcpopt.MPTCPOption{
			Subtype: tcpopt.SubtypeDSS,
			DSS: &tcpopt.DSS{HasDSN: true, DSN: 101, SubSeq: 51, DataLen: 5},
		}},
	})
	subA.DrainActions()

	if mcb.RcvNxt() != 111 {
		t.Fatalf("expected master rcv_nxt to advance past both ranges, got %d", mcb.RcvNxt())
	}
	if got := string(mcb.MasterRecvBuf.Bytes()); got != "helloworld" {
		t.Fatalf("expected ordered master stream %q, got %q", "helloworld", got)
	}
}

// TestActiveCloseToTimeWait exercises the full active-close path through
// FIN_WAIT_1/FIN_WAIT_2/TIME_WAIT.
func TestActiveCloseToTimeWait(t *testing.T) {
	f := NewPassive(Params{}, seqnum.Value(1000), seqnum.Value(5000))
	f.AcceptSyn(tcpopt.Parsed{})
	f.DrainActions()
	f.Handle(Segment{Seq: seqnum.Value(1001), Ack: seqnum.Value(5001), Flags: FlagACK})
	f.DrainActions()

	f.Close()
	if f.State != StateFinWait1 {
		t.Fatalf("expected FIN_WAIT_1 after Close, got %v", f.State)
	}
	f.DrainActions()

	f.Handle(Segment{Seq: seqnum.Value(1001), Ack: f.FSS + 1, Flags: FlagACK})
	if f.State != StateFinWait2 {
		t.Fatalf("expected FIN_WAIT_2, got %v", f.State)
	}
	f.DrainActions()

	f.Handle(Segment{Seq: seqnum.Value(1001), Flags: FlagFIN | FlagACK, Ack: f.FSS + 1})
	if f.State != StateTimeWait {
		t.Fatalf("expected TIME_WAIT, got %v", f.State)
	}
}

// TestResetAbortsEstablishedFlow covers invariant: a RST within the receive
// window aborts the flow without a FIN exchange.
func TestResetAbortsEstablishedFlow(t *testing.T) {
	f := NewPassive(Params{}, seqnum.Value(1000), seqnum.Value(5000))
	f.AcceptSyn(tcpopt.Parsed{})
	f.DrainActions()
	f.Handle(Segment{Seq: seqnum.Value(1001), Ack: seqnum.Value(5001), Flags: FlagACK})
	f.DrainActions()

	f.Handle(Segment{Seq: seqnum.Value(1001), Flags: FlagRST})
	if f.State != StateClosed {
		t.Fatalf("expected CLOSED after RST, got %v", f.State)
	}
	if f.CloseReason() != ReasonReset {
		t.Fatalf("expected ReasonReset, got %v", f.CloseReason())
	}
}

func TestNowFieldAcceptedByHandle(t *testing.T) {
	f := NewActive(Params{}, seqnum.Value(1))
	f.Handle(Segment{Seq: 1, Ack: 2, Flags: FlagSYN | FlagACK, Now: time.Now()})
	if f.State != StateEstablished {
		t.Fatalf("expected ESTABLISHED, got %v", f.State)
	}
}

// TestOpenActiveCarriesMPCapable covers §4.6's active-open MP_CAPABLE
// request: OpenActive's SYN carries an MP_CAPABLE option naming the key
// PrepareMPCapable stashed.
func TestOpenActiveCarriesMPCapable(t *testing.T) {
	f := NewActive(Params{}, seqnum.Value(1000))
	f.PrepareMPCapable(0xAAAABBBBCCCCDDDD)
	f.OpenActive()

	out := synAck(f)
	if out.Flags != FlagSYN {
		t.Fatalf("expected a bare SYN, got flags %x", out.Flags)
	}
	opts := tcpopt.Parse(out.Options)
	if opts.MPTCP == nil || opts.MPTCP.Subtype != tcpopt.SubtypeMPCapable {
		t.Fatalf("expected an MP_CAPABLE option on the initial SYN, got %+v", opts.MPTCP)
	}
	if opts.MPTCP.Capable == nil || opts.MPTCP.Capable.SenderKey != 0xAAAABBBBCCCCDDDD {
		t.Fatalf("expected the SYN to carry our key, got %+v", opts.MPTCP.Capable)
	}
}

// TestOpenActiveCarriesMPJoin covers the MP_JOIN initiator's first SYN: it
// names the master's token and a fresh random nonce.
func TestOpenActiveCarriesMPJoin(t *testing.T) {
	cb := mptcp.New(1, 2, 0xFEED, 10, 20, 64*1024, 64*1024)
	f := NewActive(Params{}, seqnum.Value(3000))
	f.PrepareMPJoin(cb.Token, cb)
	f.OpenActive()

	out := synAck(f)
	opts := tcpopt.Parse(out.Options)
	if opts.MPTCP == nil || opts.MPTCP.Subtype != tcpopt.SubtypeMPJoin {
		t.Fatalf("expected an MP_JOIN option on the initial SYN, got %+v", opts.MPTCP)
	}
	if opts.MPTCP.Join == nil || opts.MPTCP.Join.Token != cb.Token {
		t.Fatalf("expected the SYN to name the master's token, got %+v", opts.MPTCP.Join)
	}
}

// TestActiveMPCapableCompletionBuildsMCB covers §8 S2's previously-missing
// MPTCP half: an active open that requested MP_CAPABLE derives token/IDSN
// from both keys on the completing ACK, builds an MCB, and emits
// ActionRegisterMCB alongside the ACK itself carrying MP_CAPABLE.
func TestActiveMPCapableCompletionBuildsMCB(t *testing.T) {
	f := NewActive(Params{}, seqnum.Value(2000))
	f.PrepareMPCapable(0x1111111111111111)
	f.OpenActive()
	f.DrainActions()

	const peerKey = 0x2222222222222222
	f.Handle(Segment{
		Seq: seqnum.Value(9000), Ack: seqnum.Value(2001), Flags: FlagSYN | FlagACK,
		Options: tcpopt.Parsed{MPTCP: &tcpopt.MPTCPOption{
			Subtype: tcpopt.SubtypeMPCapable,
			Capable: &tcpopt.MPCapable{SenderKey: peerKey},
		}},
	})

	if f.State != StateEstablished {
		t.Fatalf("expected ESTABLISHED, got %v", f.State)
	}
	if f.MCB == nil {
		t.Fatalf("expected an MCB to be built on MP_CAPABLE completion")
	}
	if f.MCB.MyKey != 0x1111111111111111 || f.MCB.PeerKey != peerKey {
		t.Fatalf("expected the MCB to hold both keys, got my=%#x peer=%#x", f.MCB.MyKey, f.MCB.PeerKey)
	}

	var sawRegister bool
	var ack OutSegment
	for _, a := range f.DrainActions() {
		if a.Kind == ActionRegisterMCB {
			sawRegister = true
			if a.MCB != f.MCB {
				t.Fatalf("expected ActionRegisterMCB to carry the flow's own MCB")
			}
		}
		if a.Kind == ActionSendSegment && a.Segment.Flags == FlagACK {
			ack = a.Segment
		}
	}
	if !sawRegister {
		t.Fatalf("expected ActionRegisterMCB to be emitted so the engine can register the MCB")
	}
	opts := tcpopt.Parse(ack.Options)
	if opts.MPTCP == nil || opts.MPTCP.Subtype != tcpopt.SubtypeMPCapable || opts.MPTCP.Capable == nil {
		t.Fatalf("expected the completing ACK to carry MP_CAPABLE with both keys, got %+v", opts.MPTCP)
	}
	if !opts.MPTCP.Capable.HasReceiverKey || opts.MPTCP.Capable.ReceiverKey != peerKey {
		t.Fatalf("expected the completing ACK's MP_CAPABLE to echo the peer's key, got %+v", opts.MPTCP.Capable)
	}
}

// TestActiveMPJoinCompletionVerifiesHMAC covers the MP_JOIN initiator's
// verification of the responder's SYN-ACK HMAC (§4.7): a correct HMAC adds
// the subflow to the master; a mismatched one resets the connection instead.
func TestActiveMPJoinCompletionVerifiesHMAC(t *testing.T) {
	cb := mptcp.New(0x1111, 0x2222, 0xFEED, 10, 20, 64*1024, 64*1024)

	f := NewActive(Params{}, seqnum.Value(3000))
	f.PrepareMPJoin(cb.Token, cb)
	f.OpenActive()
	f.DrainActions()
	myRandom := f.MyRandom

	const peerRandom = 0xAAAA5555
	validHMAC := tcpopt.ComputeJoinHMAC(cb.PeerKey, cb.MyKey, peerRandom, myRandom)

	f.Handle(Segment{
		Seq: seqnum.Value(9000), Ack: seqnum.Value(3001), Flags: FlagSYN | FlagACK,
		Options: tcpopt.Parsed{MPTCP: &tcpopt.MPTCPOption{
			Subtype: tcpopt.SubtypeMPJoin,
			Join:    &tcpopt.MPJoin{IsSynAck: true, HMAC: validHMAC, Random: peerRandom},
		}},
	})
	if f.State != StateEstablished {
		t.Fatalf("expected ESTABLISHED after a valid MP_JOIN HMAC, got %v", f.State)
	}
	found := false
	for _, id := range cb.Subflows() {
		if id == f.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the subflow to be added to the master after a valid HMAC")
	}
}

func TestActiveMPJoinCompletionRejectsBadHMAC(t *testing.T) {
	cb := mptcp.New(0x1111, 0x2222, 0xFEED, 10, 20, 64*1024, 64*1024)

	f := NewActive(Params{}, seqnum.Value(3000))
	f.PrepareMPJoin(cb.Token, cb)
	f.OpenActive()
	f.DrainActions()

	f.Handle(Segment{
		Seq: seqnum.Value(9000), Ack: seqnum.Value(3001), Flags: FlagSYN | FlagACK,
		Options: tcpopt.Parsed{MPTCP: &tcpopt.MPTCPOption{
			Subtype: tcpopt.SubtypeMPJoin,
			Join:    &tcpopt.MPJoin{IsSynAck: true, HMAC: 0xDEADBEEFDEADBEEF, Random: 0xAAAA5555},
		}},
	})
	if f.State != StateClosed || f.CloseReason() != ReasonReset {
		t.Fatalf("expected a bad MP_JOIN HMAC to reset the connection, got state=%v reason=%v", f.State, f.CloseReason())
	}
}
