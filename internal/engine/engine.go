// Package engine implements the per-worker poll/drive/flush loop (§5): pull
// inbound segments off a PacketSink, dispatch them through the flow table
// and state machine, flush the Actions each Flow posts, and service the
// timer wheel for RTO/TIME_WAIT expiry. Grounded on tinyrange-cc's
// NetStack.handleIPv4Internal/handleEthernetFrame dispatch chain (one
// synchronous call path from "frame arrived" to "state updated, replies
// queued") adapted from a single in-process stack to a worker pool, each
// owning an independent flow table and MPTCP directory (§5, §9).
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/tinyrange/mtcpengine/internal/flow"
	"github.com/tinyrange/mtcpengine/internal/flowtable"
	"github.com/tinyrange/mtcpengine/internal/metrics"
	"github.com/tinyrange/mtcpengine/internal/mptcp"
	"github.com/tinyrange/mtcpengine/internal/seqnum"
	"github.com/tinyrange/mtcpengine/internal/tcpopt"
	"github.com/tinyrange/mtcpengine/internal/timerwheel"
)

// InboundPacket is a received IPv4/TCP datagram handed to a worker,
// pre-parsed down to the fields the engine needs (§4.1, §6).
type InboundPacket struct {
	Tuple            flow.FourTuple
	Seq              uint32
	Ack              uint32
	Flags            uint8
	Window           uint16
	Options          []byte
	Payload          []byte
	ChecksumVerified bool
	SrcIP, DstIP     [4]byte
	Raw              []byte // full TCP segment (header+options+payload), for checksum verification
}

// PacketSink is the external source of inbound packets and sink for
// outbound ones (§6): the transport glue the engine is decoupled from.
type PacketSink interface {
	RecvPacket(ctx context.Context) (InboundPacket, error)
	SendPacket(tuple flow.FourTuple, seg flow.OutSegment) error
}

// EventSink receives per-flow application-visible events (§6): readable,
// writable, accept, close, error.
type EventSink interface {
	OnEvent(id [12]byte, tuple flow.FourTuple, ev flow.EventType)
}

// ISNSource supplies fresh initial sequence numbers and MPTCP keys; split
// out as an interface purely so tests can inject determinism (§4.1's ISN
// generation, and §4.2's per-connection key, are otherwise randomized).
type ISNSource interface {
	NextISN() seqnum.Value
	NextKey() uint64
}

// Worker owns one flow table, one MPTCP directory, and one timer wheel; the
// engine runs one Worker per configured CPU (§5, §9's per-worker MPTCP
// directory note).
type Worker struct {
	ID                int
	log               *slog.Logger
	sink              PacketSink
	events            EventSink
	isn               ISNSource
	table             *flowtable.Table
	mcbs              *mptcp.Directory
	timers            *timerwheel.Wheel
	metrics           *metrics.Set
	pacer             *rate.Limiter
	rtoIndex          map[timerwheel.ID]*flow.Flow
	secondarySourceIP [4]byte
	hasSecondarySrc   bool
	enableSACK        bool
	enableTimestamps  bool
	nextEphemeral     uint32
}

// Config configures a single Worker.
type Config struct {
	ID                int
	Logger            *slog.Logger
	Sink              PacketSink
	Events            EventSink
	ISN               ISNSource
	Metrics           *metrics.Set
	TimerBuckets      int
	TimerResolution   time.Duration
	SendRateLimit     rate.Limit
	SendBurst         int
	SecondarySourceIP [4]byte
	HasSecondarySrc   bool
	EnableSACK        bool
	EnableTimestamps  bool
}

// NewWorker constructs a Worker from cfg.
func NewWorker(cfg Config) *Worker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	buckets := cfg.TimerBuckets
	if buckets == 0 {
		buckets = 1024
	}
	res := cfg.TimerResolution
	if res == 0 {
		res = 10 * time.Millisecond
	}
	limit := cfg.SendRateLimit
	if limit == 0 {
		limit = rate.Inf
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}

	var occupancy prometheus.Gauge
	if cfg.Metrics != nil {
		occupancy = cfg.Metrics.FlowsActive
	}

	return &Worker{
		ID:                cfg.ID,
		log:               log,
		sink:              cfg.Sink,
		events:            cfg.Events,
		isn:               cfg.ISN,
		table:             flowtable.New(log, occupancy),
		mcbs:              mptcp.NewDirectory(),
		timers:            timerwheel.New(buckets, res),
		metrics:           cfg.Metrics,
		pacer:             rate.NewLimiter(limit, burst),
		rtoIndex:          make(map[timerwheel.ID]*flow.Flow),
		secondarySourceIP: cfg.SecondarySourceIP,
		hasSecondarySrc:   cfg.HasSecondarySrc,
		enableSACK:        cfg.EnableSACK,
		enableTimestamps:  cfg.EnableTimestamps,
	}
}

// Bind registers a listener with the worker's flow table.
func (w *Worker) Bind(l flowtable.Listener) { w.table.Bind(l) }

// Run drives the poll/drive/flush loop until ctx is cancelled (§5).
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, err := w.sink.RecvPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("engine: recv error", "worker", w.ID, "error", err)
			continue
		}
		w.handlePacket(pkt)
		w.serviceTimers(time.Now())
	}
}

// handlePacket dispatches one inbound packet through the flow table and
// state machine, then flushes the resulting Actions (§5).
func (w *Worker) handlePacket(pkt InboundPacket) {
	if !seqnum.VerifyTCPChecksum(pkt.SrcIP, pkt.DstIP, pkt.Raw, pkt.ChecksumVerified) {
		return
	}

	f, ok := w.table.Lookup(pkt.Tuple)
	if !ok {
		opts := tcpopt.Parse(pkt.Options)
		f, _ = w.table.Dispatch(
			pkt.Tuple,
			pkt.Flags&flow.FlagSYN != 0,
			pkt.Flags&flow.FlagRST != 0,
			seqnum.Value(pkt.Seq),
			w.isn.NextISN(),
			flow.Params{Logger: w.log, EnableSACK: w.enableSACK, EnableTimestamps: w.enableTimestamps},
		)
		if f == nil {
			return
		}
		w.bindSubflowIfJoining(f, opts)
		f.AcceptSyn(opts)
		w.flush(f)
		return
	}

	seg := flow.Segment{
		Seq:     seqnum.Value(pkt.Seq),
		Ack:     seqnum.Value(pkt.Ack),
		Flags:   pkt.Flags,
		Window:  pkt.Window,
		Payload: pkt.Payload,
		Options: tcpopt.Parse(pkt.Options),
		Now:     time.Now(),
	}
	f.Handle(seg)
	w.flush(f)
}

// flush drains a Flow's posted Actions and realizes each one: sending
// segments (rate-limited), arming timers, removing destroyed flows from the
// table, and forwarding events (§5, §6).
func (w *Worker) flush(f *flow.Flow) {
	for _, a := range f.DrainActions() {
		switch a.Kind {
		case flow.ActionSendSegment:
			w.send(f, a.Segment)
			if len(a.Segment.Payload) > 0 && w.metrics != nil {
				w.metrics.BytesSent.Add(float64(len(a.Segment.Payload)))
			}
		case flow.ActionScheduleACK:
			// Coalesced/delayed ACK: left to the next outbound segment or
			// the RTO tick to piggyback on, per §4.3's "aggregated ACK"
			// rule rather than sending one immediately.
		case flow.ActionScheduleImmediateACK:
			w.send(f, flow.OutSegment{
				Seq:     uint32(f.SndNxt),
				Ack:     uint32(f.RcvNxt()),
				Flags:   flow.FlagACK,
				Window:  uint16(f.RcvWnd()),
				Options: f.DataOptions(),
			})
			if w.metrics != nil {
				w.metrics.StaleSegmentDrops.Inc()
			}
		case flow.ActionRaiseEvent:
			if w.events != nil {
				w.events.OnEvent([12]byte(f.ID), f.Tuple, a.Event)
			}
		case flow.ActionDestroy:
			w.table.Remove(f.Tuple)
			id := w.rtoTimerID(f)
			w.timers.Cancel(id)
			delete(w.rtoIndex, id)
		case flow.ActionConnectSubflow:
			w.connectSubflow(a.Connect)
		case flow.ActionEnqueueSendList:
			if w.metrics != nil {
				w.metrics.FastRetransmits.Inc()
			}
		case flow.ActionRegisterMCB:
			if err := w.mcbs.Register(a.MCB); err != nil {
				w.log.Warn("engine: MCB token collision", "token", a.MCB.Token, "error", err)
			} else if w.metrics != nil {
				w.metrics.McbsActive.Set(float64(w.mcbs.Len()))
			}
		case flow.ActionArmRTO:
			id := w.rtoTimerID(f)
			w.rtoIndex[id] = f
			w.timers.Schedule(id, time.Now().Add(f.RTT.RTO()))
		case flow.ActionArmTimeWait:
			id := w.rtoTimerID(f)
			w.rtoIndex[id] = f
			w.timers.Schedule(id, time.Now().Add(flow.MSL*2))
		}
	}
}

// connectSubflow implements §4.7's MP_JOIN initiator: it opens a new active
// subflow from the configured secondary source address toward the master's
// peer, carrying an MP_JOIN SYN naming the master's token (§4.6
// ESTABLISHED's "enqueue a fresh subflow Flow to the connect list").
func (w *Worker) connectSubflow(req flow.ConnectRequest) {
	if !w.hasSecondarySrc {
		w.log.Debug("engine: no secondary source configured, skipping subflow connect", "worker", w.ID, "token", req.Token)
		return
	}
	cb, ok := w.mcbs.Lookup(req.Token)
	if !ok {
		w.log.Warn("engine: subflow connect requested for unknown token", "worker", w.ID, "token", req.Token)
		return
	}

	tuple := flow.FourTuple{
		LocalIP:    w.secondarySourceIP,
		LocalPort:  w.nextEphemeralPort(),
		RemoteIP:   req.RemoteIP,
		RemotePort: req.RemotePort,
	}

	f := flow.NewActive(flow.Params{
		Tuple:            tuple,
		Logger:           w.log,
		EnableSACK:       w.enableSACK,
		EnableTimestamps: w.enableTimestamps,
	}, w.isn.NextISN())
	f.PrepareMPJoin(req.Token, cb)

	w.table.Insert(f)
	f.OpenActive()
	w.flush(f)
}

// nextEphemeralPort hands out local ports for engine-initiated subflow
// connects, cycling through the dynamic/private range (RFC 6335).
func (w *Worker) nextEphemeralPort() uint16 {
	const base, span = 49152, 65536 - 49152
	port := base + (w.nextEphemeral % span)
	w.nextEphemeral++
	return uint16(port)
}

// bindSubflowIfJoining wires a freshly dispatched Flow into the MPTCP
// directory (§9's per-worker directory): an MP_JOIN SYN resolves its token
// against an existing MCB and attaches as a subflow, while an MP_CAPABLE SYN
// mints a fresh MCB the subflow becomes the first member of.
func (w *Worker) bindSubflowIfJoining(f *flow.Flow, opts tcpopt.Parsed) {
	if opts.MPTCP == nil {
		return
	}
	switch opts.MPTCP.Subtype {
	case tcpopt.SubtypeMPJoin:
		join := opts.MPTCP.Join
		if join == nil {
			return
		}
		mcb, ok := w.mcbs.Lookup(join.Token)
		if !ok {
			return
		}
		f.MCB = mcb
		f.IsSubflow = true
		f.PeerRandom = join.Random
		if err := mcb.AddSubflow(f.ID); err != nil {
			w.log.Warn("engine: subflow cap reached", "token", join.Token, "error", err)
		}
	case tcpopt.SubtypeMPCapable:
		capable := opts.MPTCP.Capable
		if capable == nil {
			return
		}
		_, peerIDSN := tcpopt.DeriveTokenAndIDSN(capable.SenderKey)
		myKey := w.isn.NextKey()
		myToken, myIDSN := tcpopt.DeriveTokenAndIDSN(myKey)
		mcb := mptcp.New(myKey, capable.SenderKey, myToken, myIDSN, peerIDSN, flow.DefaultRecvBufferSize, flow.DefaultSendBufferSize)
		if err := w.mcbs.Register(mcb); err != nil {
			w.log.Warn("engine: MCB token collision", "token", myToken, "error", err)
			return
		}
		f.MCB = mcb
		f.IsSubflow = true
		_ = mcb.AddSubflow(f.ID)
		if w.metrics != nil {
			w.metrics.McbsActive.Set(float64(w.mcbs.Len()))
		}
	}
}

func (w *Worker) send(f *flow.Flow, seg flow.OutSegment) {
	if err := w.pacer.Wait(context.Background()); err != nil {
		return
	}
	if err := w.sink.SendPacket(f.Tuple, seg); err != nil {
		w.log.Warn("engine: send error", "worker", w.ID, "error", err)
	}
}

// rtoTimerID derives a stable timer-wheel identity from the flow's xid,
// collapsing it to the low 64 bits (sufficient entropy for a per-worker
// table, §9).
func (w *Worker) rtoTimerID(f *flow.Flow) timerwheel.ID {
	id := [12]byte(f.ID)
	var v uint64
	for i := 4; i < 12; i++ {
		v = v<<8 | uint64(id[i])
	}
	return timerwheel.ID(v)
}

// serviceTimers pops every expired deadline and re-drives its owning flow:
// an RTO fires a retransmit of the oldest unacked segment and backs off;
// TIME_WAIT's expiry finally destroys the flow (§4.5, §4.6).
func (w *Worker) serviceTimers(now time.Time) {
	for _, id := range w.timers.Expired(now) {
		f, ok := w.rtoIndex[id]
		if !ok {
			continue
		}
		delete(w.rtoIndex, id)

		if f.State == flow.StateTimeWait {
			w.table.Remove(f.Tuple)
			continue
		}

		if seg, has := f.SendBuf.Oldest(); has {
			w.onRTO(f, seg.Payload)
		}
	}
}

// onRTO applies the RTO congestion response, re-sends the oldest unacked
// segment, and re-arms the timer with the backed-off RTO (§4.5).
func (w *Worker) onRTO(f *flow.Flow, payload []byte) {
	if w.metrics != nil {
		w.metrics.RTOTimeouts.Inc()
	}
	f.CC.OnTimeout()
	if capped := f.CC.IncrementRetransmitCount(); capped {
		w.table.Remove(f.Tuple)
		return
	}
	f.RTT.Backoff()
	f.SendBuf.MarkRetransmittedN(1)
	if w.metrics != nil {
		w.metrics.Retransmits.Inc()
	}
	w.send(f, flow.OutSegment{
		Seq:     uint32(f.SndUna),
		Ack:     uint32(f.RcvNxt()),
		Flags:   flow.FlagACK,
		Window:  uint16(f.RcvWnd()),
		Options: f.DataOptions(),
		Payload: payload,
	})
	id := w.rtoTimerID(f)
	w.rtoIndex[id] = f
	w.timers.Schedule(id, time.Now().Add(f.RTT.RTO()))
}
