// State machine handlers (C6, §4.6): one function per RFC 793 state, plus
// the RST and window-acceptability gates shared across all of them. Every
// handler receives the already-parsed segment and header fields and returns
// via posted Actions (see flow.go's emit/DrainActions) rather than calling
// back into the engine directly.
package flow

import (
	"time"

	"github.com/tinyrange/mtcpengine/internal/mptcp"
	"github.com/tinyrange/mtcpengine/internal/reassembly"
	"github.com/tinyrange/mtcpengine/internal/seqnum"
	"github.com/tinyrange/mtcpengine/internal/tcpopt"
)

// tsNow mints a TSval for an outbound Timestamps option; RFC 1323 only
// requires a coarse, roughly-monotonic clock.
func tsNow() uint32 { return uint32(time.Now().UnixMilli()) }

// Segment is an inbound TCP segment as delivered to a Flow's handler, after
// checksum verification and TCP-option parsing (§4.1, §4.2).
type Segment struct {
	Seq     seqnum.Value
	Ack     seqnum.Value
	Flags   uint8
	Window  uint16
	Payload []byte
	Options tcpopt.Parsed
	Now     time.Time
}

func (s Segment) has(flag uint8) bool { return s.Flags&flag != 0 }

// acceptable applies §4.1's window-validity rule to an inbound segment.
func (f *Flow) acceptable(s Segment) bool {
	if f.RecvBuf == nil {
		return true
	}
	return seqnum.Acceptable(s.Seq, uint32(len(s.Payload)), f.RcvNxt(), f.RcvWnd())
}

// sequenceGate implements §4.6's shared sequence-validation gate, applied to
// every state beyond the handshake (SYN_SENT and SYN_RCVD are exempt): PAWS
// first (a segment whose TSval is older than ts_recent is dropped with an
// immediate ACK; otherwise ts_recent advances to TSval), then window
// acceptability. The window test drops only zero-length segments without
// FIN; an unacceptable segment carrying payload or FIN passes the gate, and
// its payload is then accepted or rejected by RecvBuf.Put in deliverPayload.
// Returns false if the segment was dropped, in which case the required ACK
// has already been emitted and rcv_nxt is left untouched.
func (f *Flow) sequenceGate(s Segment) bool {
	if f.sawTS && s.Options.HasTimestamps {
		if seqnum.LT(seqnum.Value(s.Options.Timestamps.TSval), seqnum.Value(f.TSRecent)) {
			f.emit(Action{Kind: ActionScheduleImmediateACK})
			return false
		}
		f.TSRecent = s.Options.Timestamps.TSval
	}

	if !f.acceptable(s) && len(s.Payload) == 0 && !s.has(FlagFIN) {
		f.emit(Action{Kind: ActionScheduleImmediateACK})
		return false
	}
	return true
}

// timestampOption builds the Timestamps option accompanying any outbound
// segment once timestamps have been negotiated (§4.2), echoing ts_recent as
// TSecr.
func (f *Flow) timestampOption() []byte {
	if !f.sawTS || !f.EnableTimestamps {
		return nil
	}
	return tcpopt.EncodeTimestamps(tcpopt.Timestamps{TSval: tsNow(), TSecr: f.TSRecent})
}

// synOptions builds the option bytes for our own outbound SYN or SYN-ACK:
// MSS, window scale and SACK-permitted are negotiated only on the
// handshake's SYN segments (§4.2); timestamps ride every segment once in
// use, including this one.
func (f *Flow) synOptions() []byte {
	out := tcpopt.EncodeMSS(f.MSS)
	if f.HasWScale {
		out = append(out, tcpopt.EncodeWindowScale(f.MyWScale)...)
	}
	if f.PeerSACKPermitted && f.EnableSACK {
		out = append(out, tcpopt.EncodeSACKPermitted()...)
	}
	out = append(out, f.timestampOption()...)
	return out
}

// DataOptions builds the option bytes accompanying a post-handshake segment:
// the timestamp echo, plus a DATA_ACK-only DSS carrying the MCB's
// data-level cumulative ack when this flow is an MPTCP subflow (§4.2, §4.7).
// Exported so the engine can attach it to ACKs it builds itself (immediate
// ACKs, RTO retransmits) outside the handlers in this file.
func (f *Flow) DataOptions() []byte {
	out := f.timestampOption()
	if f.MCB != nil {
		out = append(out, tcpopt.EncodeDSS(tcpopt.DSS{HasDataAck: true, DataAck: f.MCB.RcvNxt()})...)
	}
	return out
}

// Handle dispatches an inbound segment to the handler for the flow's current
// state (§4.6). It returns nothing; posted Actions are retrieved afterward
// via DrainActions.
func (f *Flow) Handle(s Segment) {
	if s.has(FlagRST) {
		f.handleReset(s)
		return
	}

	if f.State > StateSynRcvd {
		if !f.sequenceGate(s) {
			return
		}
	}

	switch f.State {
	case StateListen:
		f.handleListen(s)
	case StateSynSent:
		f.handleSynSent(s)
	case StateSynRcvd:
		f.handleSynRcvd(s)
	case StateEstablished:
		f.handleEstablished(s)
	case StateCloseWait:
		f.handleCloseWait(s)
	case StateLastAck:
		f.handleLastAck(s)
	case StateFinWait1:
		f.handleFinWait1(s)
	case StateFinWait2:
		f.handleFinWait2(s)
	case StateClosing:
		f.handleClosing(s)
	case StateTimeWait:
		f.handleTimeWait(s)
	}
}

// handleReset implements §4.6's RST handling: in SYN_SENT a RST matching the
// expected ack tears down the embryonic connection; everywhere else, a RST
// inside the receive window aborts the flow immediately without a FIN
// exchange.
func (f *Flow) handleReset(s Segment) {
	if f.State == StateSynSent {
		if s.Ack != f.SndNxt {
			return
		}
		f.abort(ReasonReset)
		return
	}
	if f.State == StateClosed || f.State == StateListen {
		return
	}
	if !f.acceptable(s) {
		return
	}
	f.abort(ReasonReset)
}

func (f *Flow) abort(reason CloseReason) {
	f.State = StateClosed
	f.closeReason = reason
	f.emit(Action{Kind: ActionRaiseEvent, Event: EventError})
	f.emit(Action{Kind: ActionDestroy, Reason: reason})
}

// handleListen implements §4.6's LISTEN handler: only a bare SYN is of
// interest here, and in this design a matching SYN causes the flow table to
// clone a fresh passive Flow (NewPassive) rather than mutating the
// listener's own template in place, so this handler only covers a listener
// template receiving something other than a fresh SYN (ignored).
func (f *Flow) handleListen(s Segment) {
	if s.has(FlagSYN) {
		return
	}
}

// AcceptSyn moves a freshly cloned passive Flow from LISTEN to SYN_RCVD,
// sending SYN-ACK. Invoked by the flow table once it has cloned the listener
// template into a concrete Flow (§4.6).
func (f *Flow) AcceptSyn(opts tcpopt.Parsed) {
	f.applyParsedOptions(opts)
	f.State = StateSynRcvd
	f.SndNxt = f.ISS + 1
	flags := FlagSYN | FlagACK

	options := f.synOptions()
	if opts.MPTCP != nil && f.MCB != nil {
		switch opts.MPTCP.Subtype {
		case tcpopt.SubtypeMPCapable:
			options = append(options, tcpopt.EncodeMPCapableSYN(0, 0, f.MCB.MyKey)...)
		case tcpopt.SubtypeMPJoin:
			if opts.MPTCP.Join != nil {
				f.PeerRandom = opts.MPTCP.Join.Random
				f.MyRandom = newRandomNonce()
				hmac := tcpopt.ComputeJoinHMAC(f.MCB.MyKey, f.MCB.PeerKey, f.MyRandom, f.PeerRandom)
				options = append(options, tcpopt.EncodeMPJoinSynAck(0, 0, hmac, f.MyRandom)...)
			}
		}
	}

	f.emit(Action{
		Kind: ActionSendSegment,
		Segment: OutSegment{
			Seq:     uint32(f.ISS),
			Ack:     uint32(f.RcvNxt()),
			Flags:   flags,
			Window:  uint16(f.RcvWnd()),
			Options: options,
		},
	})
}

// OpenActive emits this flow's initial SYN (§4.6's active open). The caller
// (the engine, initiating an MP_JOIN subflow connect per §4.7) must have
// already set any MP_CAPABLE/MP_JOIN intent via PrepareMPCapable/
// PrepareMPJoin before calling this.
func (f *Flow) OpenActive() {
	options := f.synOptions()
	switch {
	case f.WantMPCapable:
		options = append(options, tcpopt.EncodeMPCapableSYN(0, 0, f.MyKey)...)
	case f.WantMPJoin:
		options = append(options, tcpopt.EncodeMPJoinSYN(0, 0, f.JoinToken, f.MyRandom)...)
	}
	f.emit(Action{
		Kind: ActionSendSegment,
		Segment: OutSegment{
			Seq:     uint32(f.ISS),
			Flags:   FlagSYN,
			Window:  uint16(DefaultRecvBufferSize - 1),
			Options: options,
		},
	})
}

// handleSynSent implements §4.6's SYN_SENT handler: expects SYN-ACK
// acknowledging our SYN, completes the MP_CAPABLE/MP_JOIN handshake half if
// one was requested, moves to ESTABLISHED and ACKs.
func (f *Flow) handleSynSent(s Segment) {
	if !s.has(FlagSYN) {
		return
	}
	if s.has(FlagACK) && s.Ack != f.SndNxt {
		return
	}
	f.IRS = s.Seq
	f.RecvBuf = reassembly.New(uint32(s.Seq)+1, DefaultRecvBufferSize)
	f.applyParsedOptions(s.Options)
	f.CC.CompleteHandshake()

	if s.has(FlagACK) {
		f.SndUna = s.Ack
		f.State = StateEstablished

		options := f.DataOptions()
		if mp := s.Options.MPTCP; mp != nil {
			switch mp.Subtype {
			case tcpopt.SubtypeMPCapable:
				if f.WantMPCapable && mp.Capable != nil {
					peerKey := mp.Capable.SenderKey
					myToken, myIDSN := tcpopt.DeriveTokenAndIDSN(f.MyKey)
					_, peerIDSN := tcpopt.DeriveTokenAndIDSN(peerKey)
					cb := mptcp.New(f.MyKey, peerKey, myToken, myIDSN, peerIDSN, DefaultRecvBufferSize, DefaultSendBufferSize)
					f.MCB = cb
					f.IsSubflow = true
					_ = cb.AddSubflow(f.ID)
					f.emit(Action{Kind: ActionRegisterMCB, MCB: cb})
					options = append(options, tcpopt.EncodeMPCapableACK(0, 0, f.MyKey, peerKey)...)
				}
			case tcpopt.SubtypeMPJoin:
				if f.WantMPJoin && mp.Join != nil && f.MCB != nil {
					f.PeerRandom = mp.Join.Random
					expected := tcpopt.ComputeJoinHMAC(f.MCB.PeerKey, f.MCB.MyKey, f.PeerRandom, f.MyRandom)
					if expected != mp.Join.HMAC {
						f.abort(ReasonReset)
						return
					}
					_ = f.MCB.AddSubflow(f.ID)
				}
			}
		}

		f.emit(Action{
			Kind: ActionSendSegment,
			Segment: OutSegment{
				Seq:     uint32(f.SndNxt),
				Ack:     uint32(f.RcvNxt()),
				Flags:   FlagACK,
				Window:  uint16(f.RcvWnd()),
				Options: options,
			},
		})
		f.emit(Action{Kind: ActionRaiseEvent, Event: EventWritable})
		return
	}

	// Simultaneous open: SYN with no ACK, move to SYN_RCVD and re-send SYN-ACK.
	f.State = StateSynRcvd
	f.emit(Action{
		Kind: ActionSendSegment,
		Segment: OutSegment{
			Seq:     uint32(f.ISS),
			Ack:     uint32(f.RcvNxt()),
			Flags:   FlagSYN | FlagACK,
			Window:  uint16(f.RcvWnd()),
			Options: f.synOptions(),
		},
	})
}

// handleSynRcvd implements §4.6's SYN_RCVD handler: expects the final ACK of
// the three-way handshake.
func (f *Flow) handleSynRcvd(s Segment) {
	if s.has(FlagSYN) {
		return
	}
	if !s.has(FlagACK) || s.Ack != f.SndNxt {
		return
	}
	f.applyParsedOptions(s.Options)
	f.SndUna = s.Ack
	f.PeerWndRaw = uint32(s.Window)
	f.recordLastAck(s)
	f.CC.CompleteHandshake()
	f.State = StateEstablished
	f.emit(Action{Kind: ActionRaiseEvent, Event: EventAccept})

	if f.MCB != nil && f.IsSubflow && !f.IsJoinInitiator {
		// Passive side of an established master: arm the join-initiator
		// latch so the engine schedules a subflow connect exactly once.
		if f.MCB.TryLatchJoinInitiated() {
			f.emit(Action{Kind: ActionConnectSubflow, Connect: ConnectRequest{
				RemoteIP:   f.Tuple.RemoteIP,
				RemotePort: f.Tuple.RemotePort,
				Token:      f.MCB.Token,
			}})
		}
	}

	if len(s.Payload) > 0 {
		f.handleEstablished(s)
	}
}

// handleEstablished implements §4.6's ESTABLISHED handler: data delivery,
// cumulative/duplicate ACK processing, SACK, MPTCP DSS-driven master copy,
// and passive close initiation on FIN.
func (f *Flow) handleEstablished(s Segment) {
	f.processAck(s)

	if len(s.Payload) > 0 {
		f.deliverPayload(s)
	}

	if s.Options.MPTCP != nil && s.Options.MPTCP.Subtype == tcpopt.SubtypeDSS {
		f.handleDSS(s.Options.MPTCP.DSS)
	}

	if s.has(FlagFIN) {
		f.State = StateCloseWait
		f.emit(Action{Kind: ActionScheduleImmediateACK})
		f.emit(Action{Kind: ActionRaiseEvent, Event: EventClose})
	}
}

// deliverPayload puts inbound data into the receive buffer, tracks SACK
// blocks for out-of-order ranges, and schedules the ACK per §4.3/§4.5.
func (f *Flow) deliverPayload(s Segment) {
	result := f.RecvBuf.Put(uint32(s.Seq), s.Payload)
	switch result {
	case reassembly.PutOK:
		end := uint32(s.Seq) + uint32(len(s.Payload))
		if end > f.RcvNxt() {
			f.SACK.Add(uint32(s.Seq), end)
		}
		f.SACK.RetireBelow(f.RcvNxt())
		if uint32(s.Seq) == f.RcvNxt()-uint32(len(s.Payload)) {
			f.emit(Action{Kind: ActionScheduleACK})
		} else {
			f.emit(Action{Kind: ActionScheduleImmediateACK})
		}
		f.emit(Action{Kind: ActionRaiseEvent, Event: EventReadable})
	case reassembly.PutBelowHead, reassembly.PutOverflow:
		f.emit(Action{Kind: ActionScheduleImmediateACK})
	}
}

// processAck implements §4.5's ACK processing: new-ACK congestion response,
// duplicate-ACK fast retransmit, and send-buffer retirement.
func (f *Flow) processAck(s Segment) {
	if !s.has(FlagACK) {
		return
	}

	if f.isDuplicateAck(s.Ack, len(s.Payload), uint32(s.Window)) {
		outcome := f.CC.OnDupAck(f.PeerWindow())
		if outcome.TriggerFastRetransmit {
			// §4.5's third-dup-ack response: rewind snd_nxt to ack_seq and
			// place the flow on the send list before retransmitting the
			// oldest unacked segment.
			f.SndNxt = s.Ack
			f.OnSendList = true
			f.emit(Action{Kind: ActionEnqueueSendList})
			if payload, ok := f.SendBuf.CoalescedFrom(uint32(f.SndUna), int(f.EffMSS)); ok {
				f.emit(Action{
					Kind: ActionSendSegment,
					Segment: OutSegment{
						Seq:     uint32(f.SndNxt),
						Ack:     uint32(f.RcvNxt()),
						Flags:   FlagACK,
						Window:  uint16(f.RcvWnd()),
						Options: f.DataOptions(),
						Payload: payload,
					},
				})
				f.SendBuf.MarkRetransmittedN(1)
				f.SndNxt += seqnum.Value(len(payload))
			}
			f.OnSendList = false
			if outcome.RetransmitCapReached {
				f.abort(ReasonNoMem)
				return
			}
		}
		f.recordLastAck(s)
		return
	}

	ackRes := f.SendBuf.Ack(uint32(s.Ack))
	f.PeerWndRaw = uint32(s.Window)

	if ackRes.BytesAcked > 0 {
		if ackRes.HasRTT {
			f.RTT.Sample(ackRes.RTTSample, uint32(f.SndUna), uint32(f.SndNxt))
		}
		f.SndUna = s.Ack
		if f.CC.InRecovery() && seqnum.GT(s.Ack, f.SndNxt) {
			f.CC.OnRecoveryComplete()
		} else {
			f.CC.OnNewAck(uint32(ackRes.BytesAcked), uint32(f.EffMSS))
		}
		f.emit(Action{Kind: ActionRaiseEvent, Event: EventWritable})
	}

	if f.MCB != nil {
		if opt := s.Options.MPTCP; opt != nil && opt.Subtype == tcpopt.SubtypeDSS && opt.DSS.HasDataAck {
			f.MCB.HandleDataAck(opt.DSS.DataAck)
		}
	}

	f.recordLastAck(s)
}

func (f *Flow) recordLastAck(s Segment) {
	f.lastAck = s.Ack
	f.hasLastAck = true
	f.lastPeerWnd = uint32(s.Window)
}

// handleDSS implements the MPTCP-subflow half of §4.7: an inbound DSS
// carrying a DSN triggers the subflow→master copy once the subflow's own
// reassembly has a contiguous run covering [SubSeq, SubSeq+DataLen).
func (f *Flow) handleDSS(dss *tcpopt.DSS) {
	if f.MCB == nil || !dss.HasDSN || dss.DataLen == 0 {
		return
	}
	available := f.RecvBuf.Peek(dss.SubSeq, uint32(dss.DataLen))
	if uint32(len(available)) < uint32(dss.DataLen) {
		return
	}
	f.MCB.CopyFromSubflowToMpcb(f.RecvBuf, dss.DSN, dss.SubSeq, uint32(dss.DataLen), dss.DataFin)
}

// handleCloseWait implements §4.6's CLOSE_WAIT handler: the application's
// close triggers the FIN send and LAST_ACK transition (via Close, below);
// inbound segments here are just further data/ACKs on the still-open send
// side.
func (f *Flow) handleCloseWait(s Segment) {
	f.processAck(s)
}

// Close implements the application-initiated active close (§4.6): sends a
// FIN and moves FIN_WAIT_1 (from ESTABLISHED) or LAST_ACK (from
// CLOSE_WAIT).
func (f *Flow) Close() {
	switch f.State {
	case StateEstablished:
		f.sendFin()
		f.State = StateFinWait1
	case StateCloseWait:
		f.sendFin()
		f.State = StateLastAck
	}
}

func (f *Flow) sendFin() {
	f.FSS = f.SndNxt
	f.IsFinSent = true
	f.SndNxt++
	f.emit(Action{
		Kind: ActionSendSegment,
		Segment: OutSegment{
			Seq:     uint32(f.FSS),
			Ack:     uint32(f.RcvNxt()),
			Flags:   FlagFIN | FlagACK,
			Window:  uint16(f.RcvWnd()),
			Options: f.DataOptions(),
		},
	})
}

// handleLastAck implements §4.6's LAST_ACK handler: the final ACK for our
// FIN closes the flow.
func (f *Flow) handleLastAck(s Segment) {
	f.processAck(s)
	if s.has(FlagACK) && f.IsFinSent && seqnum.GEQ(s.Ack, f.FSS+1) {
		f.State = StateClosed
		f.closeReason = ReasonPassiveClose
		f.emit(Action{Kind: ActionDestroy, Reason: ReasonPassiveClose})
	}
}

// handleFinWait1 implements §4.6's FIN_WAIT_1 handler: our FIN may be ACKed
// (-> FIN_WAIT_2), or the peer may simultaneously FIN (-> CLOSING, or
// directly to TIME_WAIT if our FIN was also already ACKed in the same
// segment).
func (f *Flow) handleFinWait1(s Segment) {
	f.processAck(s)
	finAcked := s.has(FlagACK) && f.IsFinSent && seqnum.GEQ(s.Ack, f.FSS+1)

	if len(s.Payload) > 0 {
		f.deliverPayload(s)
	}

	switch {
	case finAcked && s.has(FlagFIN):
		f.enterTimeWait()
	case finAcked:
		f.State = StateFinWait2
	case s.has(FlagFIN):
		f.State = StateClosing
		f.emit(Action{Kind: ActionScheduleImmediateACK})
	}
}

// handleFinWait2 implements §4.6's FIN_WAIT_2 handler: waits for the peer's
// FIN.
func (f *Flow) handleFinWait2(s Segment) {
	f.processAck(s)
	if len(s.Payload) > 0 {
		f.deliverPayload(s)
	}
	if s.has(FlagFIN) {
		f.enterTimeWait()
	}
}

// handleClosing implements §4.6's CLOSING handler: waits for our FIN to be
// ACKed.
func (f *Flow) handleClosing(s Segment) {
	f.processAck(s)
	if s.has(FlagACK) && f.IsFinSent && seqnum.GEQ(s.Ack, f.FSS+1) {
		f.enterTimeWait()
	}
}

// handleTimeWait implements §4.6's TIME_WAIT handler: a retransmitted FIN
// re-ACKs and restarts the 2*MSL timer; anything else is ignored.
func (f *Flow) handleTimeWait(s Segment) {
	if s.has(FlagFIN) {
		f.emit(Action{Kind: ActionScheduleImmediateACK})
		f.emit(Action{Kind: ActionArmTimeWait})
	}
}

func (f *Flow) enterTimeWait() {
	f.State = StateTimeWait
	f.closeReason = ReasonActiveClose
	f.emit(Action{Kind: ActionArmTimeWait})
}
