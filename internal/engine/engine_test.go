package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/mtcpengine/internal/flow"
	"github.com/tinyrange/mtcpengine/internal/flowtable"
	"github.com/tinyrange/mtcpengine/internal/mptcp"
	"github.com/tinyrange/mtcpengine/internal/seqnum"
	"github.com/tinyrange/mtcpengine/internal/tcpopt"
)

func newTestMCB(t *testing.T, token uint32) *mptcp.ControlBlock {
	t.Helper()
	return mptcp.New(1, 2, token, 100, 200, 64*1024, 64*1024)
}

type fakeSink struct {
	mu   sync.Mutex
	in   chan InboundPacket
	sent []flow.OutSegment
}

func newFakeSink() *fakeSink {
	return &fakeSink{in: make(chan InboundPacket, 16)}
}

func (s *fakeSink) RecvPacket(ctx context.Context) (InboundPacket, error) {
	select {
	case pkt := <-s.in:
		return pkt, nil
	case <-ctx.Done():
		return InboundPacket{}, ctx.Err()
	}
}

func (s *fakeSink) SendPacket(tuple flow.FourTuple, seg flow.OutSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, seg)
	return nil
}

func (s *fakeSink) snapshot() []flow.OutSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]flow.OutSegment, len(s.sent))
	copy(out, s.sent)
	return out
}

type sequentialISN struct {
	mu   sync.Mutex
	next uint32
	key  uint64
}

func (g *sequentialISN) NextISN() seqnum.Value {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next += 1000
	return seqnum.Value(g.next)
}

func (g *sequentialISN) NextKey() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.key++
	return g.key
}

func tupleFor(port uint16) flow.FourTuple {
	return flow.FourTuple{
		LocalIP:    [4]byte{10, 0, 0, 1},
		LocalPort:  port,
		RemoteIP:   [4]byte{10, 0, 0, 2},
		RemotePort: 5555,
	}
}

// rawSegmentWithGoodChecksum builds a minimal synthetic TCP segment whose
// embedded checksum is valid, so VerifyTCPChecksum doesn't reject the test
// packet at the door; the engine doesn't otherwise parse Raw's bytes.
func rawSegmentWithGoodChecksum(srcIP, dstIP [4]byte) []byte {
	seg := make([]byte, 20)
	sum := seqnum.TCPChecksum(srcIP, dstIP, seg)
	seg[16] = byte(sum >> 8)
	seg[17] = byte(sum)
	return seg
}

func TestWorkerPassiveHandshakeSendsSynAck(t *testing.T) {
	sink := newFakeSink()
	w := NewWorker(Config{ID: 1, Sink: sink, ISN: &sequentialISN{}})
	w.Bind(flowtable.Listener{AnyIP: true, LocalPort: 80})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srcIP := [4]byte{10, 0, 0, 2}
	dstIP := [4]byte{10, 0, 0, 1}

	sink.in <- InboundPacket{
		Tuple:            tupleFor(80),
		Seq:              1000,
		Flags:            flow.FlagSYN,
		ChecksumVerified: false,
		SrcIP:            srcIP,
		DstIP:            dstIP,
		Raw:              rawSegmentWithGoodChecksum(srcIP, dstIP),
	}

	go w.Run(ctx)
	deadline := time.After(time.Second)
	for {
		if len(sink.snapshot()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for SYN-ACK")
		case <-time.After(time.Millisecond):
		}
	}

	sent := sink.snapshot()
	if sent[0].Flags != flow.FlagSYN|flow.FlagACK {
		t.Fatalf("expected SYN-ACK, got flags %x", sent[0].Flags)
	}
}

func TestWorkerUnboundPortGetsRST(t *testing.T) {
	sink := newFakeSink()
	w := NewWorker(Config{ID: 1, Sink: sink, ISN: &sequentialISN{}})

	f, action := w.table.Dispatch(tupleFor(81), true, false, seqnum.Value(1), seqnum.Value(2), flow.Params{})
	if f != nil || action != flowtable.DispatchStandaloneRST {
		t.Fatalf("expected standalone RST for unbound port, got flow=%v action=%v", f, action)
	}
}

func TestMPCapableSynMintsMCB(t *testing.T) {
	sink := newFakeSink()
	w := NewWorker(Config{ID: 1, Sink: sink, ISN: &sequentialISN{}})
	w.Bind(flowtable.Listener{AnyIP: true, LocalPort: 80})

	opts := tcpopt.Parsed{MPTCP: &tcpopt.MPTCPOption{
		Subtype: tcpopt.SubtypeMPCapable,
		Capable: &tcpopt.MPCapable{SenderKey: 0x1122334455667788},
	}}

	f, _ := w.table.Dispatch(tupleFor(80), true, false, seqnum.Value(1000), seqnum.Value(5000), flow.Params{})
	if f == nil {
		t.Fatalf("expected a flow to be created")
	}
	w.bindSubflowIfJoining(f, opts)

	if f.MCB == nil {
		t.Fatalf("expected an MCB to be attached on MP_CAPABLE SYN")
	}
	if w.mcbs.Len() != 1 {
		t.Fatalf("expected one registered MCB, got %d", w.mcbs.Len())
	}
}

func TestMPJoinResolvesExistingMCB(t *testing.T) {
	sink := newFakeSink()
	w := NewWorker(Config{ID: 1, Sink: sink, ISN: &sequentialISN{}})
	w.Bind(flowtable.Listener{AnyIP: true, LocalPort: 80})
	w.Bind(flowtable.Listener{AnyIP: true, LocalPort: 81})

	master, _ := w.table.Dispatch(tupleFor(80), true, false, seqnum.Value(1000), seqnum.Value(5000), flow.Params{})
	w.bindSubflowIfJoining(master, tcpopt.Parsed{MPTCP: &tcpopt.MPTCPOption{
		Subtype: tcpopt.SubtypeMPCapable,
		Capable: &tcpopt.MPCapable{SenderKey: 42},
	}})
	token := master.MCB.Token

	join, _ := w.table.Dispatch(tupleFor(81), true, false, seqnum.Value(2000), seqnum.Value(6000), flow.Params{})
	w.bindSubflowIfJoining(join, tcpopt.Parsed{MPTCP: &tcpopt.MPTCPOption{
		Subtype: tcpopt.SubtypeMPJoin,
		Join:    &tcpopt.MPJoin{Token: token, Random: 0xAABBCCDD},
	}})

	if join.MCB != master.MCB {
		t.Fatalf("expected the joining subflow to resolve the master's MCB")
	}
	if !join.IsSubflow {
		t.Fatalf("expected IsSubflow to be set")
	}
}

// TestConnectSubflowOpensJoinFromSecondarySource covers §4.7's MP_JOIN
// initiator end to end: given a registered master MCB and a configured
// secondary source, connectSubflow inserts a new active flow bound to that
// source and drives an MP_JOIN SYN naming the master's token.
func TestConnectSubflowOpensJoinFromSecondarySource(t *testing.T) {
	sink := newFakeSink()
	w := NewWorker(Config{
		ID:                1,
		Sink:              sink,
		ISN:               &sequentialISN{},
		SecondarySourceIP: [4]byte{10, 0, 0, 9},
		HasSecondarySrc:   true,
	})

	cb := newTestMCB(t, 0xCAFEBABE)
	if err := w.mcbs.Register(cb); err != nil {
		t.Fatalf("register MCB: %v", err)
	}

	w.connectSubflow(flow.ConnectRequest{
		RemoteIP:   [4]byte{10, 0, 0, 2},
		RemotePort: 5555,
		Token:      cb.Token,
	})

	sent := sink.snapshot()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one SYN to be sent, got %d", len(sent))
	}
	if sent[0].Flags != flow.FlagSYN {
		t.Fatalf("expected a bare SYN, got flags %x", sent[0].Flags)
	}
	opts := tcpopt.Parse(sent[0].Options)
	if opts.MPTCP == nil || opts.MPTCP.Subtype != tcpopt.SubtypeMPJoin || opts.MPTCP.Join == nil {
		t.Fatalf("expected an MP_JOIN option on the outbound SYN, got %+v", opts.MPTCP)
	}
	if opts.MPTCP.Join.Token != cb.Token {
		t.Fatalf("expected the SYN to name the master's token, got %#x want %#x", opts.MPTCP.Join.Token, cb.Token)
	}

	tuple := flow.FourTuple{
		LocalIP:    [4]byte{10, 0, 0, 9},
		LocalPort:  49152,
		RemoteIP:   [4]byte{10, 0, 0, 2},
		RemotePort: 5555,
	}
	if _, ok := w.table.Lookup(tuple); !ok {
		t.Fatalf("expected the new subflow to be inserted into the flow table bound to the secondary source")
	}
}

func TestConnectSubflowSkipsWithoutSecondarySource(t *testing.T) {
	sink := newFakeSink()
	w := NewWorker(Config{ID: 1, Sink: sink, ISN: &sequentialISN{}})

	cb := newTestMCB(t, 0xD00D)
	if err := w.mcbs.Register(cb); err != nil {
		t.Fatalf("register MCB: %v", err)
	}

	w.connectSubflow(flow.ConnectRequest{RemoteIP: [4]byte{10, 0, 0, 2}, RemotePort: 5555, Token: cb.Token})

	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no subflow connect without a configured secondary source")
	}
}

// TestFlushRegistersActiveMPCapableMCB covers the engine side of the active
// MP_CAPABLE completion: once a Flow builds its own MCB and posts
// ActionRegisterMCB, flush must register it in the worker's directory.
func TestFlushRegistersActiveMPCapableMCB(t *testing.T) {
	sink := newFakeSink()
	w := NewWorker(Config{ID: 1, Sink: sink, ISN: &sequentialISN{}})

	f := flow.NewActive(flow.Params{Tuple: tupleFor(80)}, seqnum.Value(1000))
	f.PrepareMPCapable(0x1111111111111111)
	w.table.Insert(f)
	f.OpenActive()
	w.flush(f)

	f.Handle(flow.Segment{
		Seq: seqnum.Value(9000), Ack: seqnum.Value(1001), Flags: flow.FlagSYN | flow.FlagACK,
		Options: tcpopt.Parsed{MPTCP: &tcpopt.MPTCPOption{
			Subtype: tcpopt.SubtypeMPCapable,
			Capable: &tcpopt.MPCapable{SenderKey: 0x2222222222222222},
		}},
	})
	w.flush(f)

	if f.MCB == nil {
		t.Fatalf("expected the flow to have built an MCB")
	}
	if _, ok := w.mcbs.Lookup(f.MCB.Token); !ok {
		t.Fatalf("expected flush to register the MCB carried by ActionRegisterMCB")
	}
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	sink := newFakeSink()
	w := NewWorker(Config{ID: 1, Sink: sink, ISN: &sequentialISN{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
