package congestion

// InitCwndSegments is the initial congestion window in MSS-sized segments
// once the handshake completes (§4.5's INIT_CWND).
const InitCwndSegments = 10

// DupAckThreshold is the number of duplicate ACKs that trigger fast
// retransmit (§4.5, §8 S4).
const DupAckThreshold = 3

// MaxRetransmissions caps the per-flow retransmission counter (TCP_MAX_RTX);
// a flow that exceeds it is torn down by the caller.
const MaxRetransmissions = 16

// Control implements the slow-start/AIMD congestion controller and
// duplicate-ACK fast-retransmit bookkeeping described in §4.5.
type Control struct {
	Cwnd     uint32
	Ssthresh uint32
	mss      uint32
	dupAcks  int
	nrtx     int
}

// New creates a congestion controller. Per §4.5, the initial cwnd is 1 MSS
// (as used on SYN/SYN-ACK); call CompleteHandshake once the three-way
// handshake finishes to move to the steady-state initial window.
func New(mss uint32) *Control {
	return &Control{
		Cwnd:     mss,
		Ssthresh: ^uint32(0),
		mss:      mss,
	}
}

// CompleteHandshake sets cwnd to mss*INIT_CWND if cwnd was still at the
// handshake value of 1 MSS, and ssthresh to 10*mss, per §4.5.
func (c *Control) CompleteHandshake() {
	if c.Cwnd == c.mss {
		c.Cwnd = c.mss * InitCwndSegments
	} else {
		c.Cwnd = c.mss
	}
	c.Ssthresh = c.mss * InitCwndSegments
}

// packetsFor returns ceil(rmlen/effMSS), the packet count §4.5 uses to scale
// the slow-start cwnd increment.
func packetsFor(rmlen uint32, effMSS uint32) uint32 {
	if effMSS == 0 {
		return 1
	}
	return (rmlen + effMSS - 1) / effMSS
}

// OnNewAck processes an ACK that covers rmlen new bytes of data (in slow
// start or congestion avoidance, per §4.5), resetting the duplicate-ACK
// counter.
func (c *Control) OnNewAck(rmlen uint32, effMSS uint32) {
	c.dupAcks = 0
	if rmlen == 0 {
		return
	}
	packets := packetsFor(rmlen, effMSS)
	if c.Cwnd < c.Ssthresh {
		c.Cwnd += packets * c.mss
	} else {
		inc := (packets * c.mss * c.mss) / c.Cwnd
		if inc == 0 {
			inc = 1
		}
		c.Cwnd += inc
	}
}

// DupAckOutcome reports what a duplicate ACK's processing triggered.
type DupAckOutcome struct {
	TriggerFastRetransmit bool
	RetransmitCapReached  bool
}

// OnDupAck processes a duplicate ACK (caller has already verified the §4.5
// dup-ACK predicate: same ack_seq as last, zero payload, unchanged peer
// window, outstanding data, ack_seq < snd_nxt). peerWnd is the current
// advertised peer window in bytes.
func (c *Control) OnDupAck(peerWnd uint32) DupAckOutcome {
	c.dupAcks++
	if c.dupAcks == DupAckThreshold {
		floor := c.Cwnd
		if peerWnd < floor {
			floor = peerWnd
		}
		c.Ssthresh = floor / 2
		if c.Ssthresh < 2*c.mss {
			c.Ssthresh = 2 * c.mss
		}
		c.Cwnd = c.Ssthresh + DupAckThreshold*c.mss
		c.nrtx++
		return DupAckOutcome{
			TriggerFastRetransmit: true,
			RetransmitCapReached:  c.nrtx >= MaxRetransmissions,
		}
	}
	if c.dupAcks > DupAckThreshold {
		c.Cwnd += c.mss
	}
	return DupAckOutcome{}
}

// OnRecoveryComplete implements §4.5's recovery rule: once an ACK arrives
// covering more than snd_nxt with no SACKed packets still outstanding, cwnd
// deflates to ssthresh.
func (c *Control) OnRecoveryComplete() {
	c.Cwnd = c.Ssthresh
	c.dupAcks = 0
}

// InRecovery reports whether a fast-retransmit episode is in progress.
func (c *Control) InRecovery() bool { return c.dupAcks >= DupAckThreshold }

// RetransmitCount returns the number of fast-retransmit/RTO episodes so far.
func (c *Control) RetransmitCount() int { return c.nrtx }

// IncrementRetransmitCount is used by the RTO path (not just fast
// retransmit) to advance the same capped counter.
func (c *Control) IncrementRetransmitCount() bool {
	c.nrtx++
	return c.nrtx >= MaxRetransmissions
}

// OnTimeout applies the standard RTO congestion response: halve cwnd into
// ssthresh and collapse cwnd to one MSS.
func (c *Control) OnTimeout() {
	c.Ssthresh = c.Cwnd / 2
	if c.Ssthresh < 2*c.mss {
		c.Ssthresh = 2 * c.mss
	}
	c.Cwnd = c.mss
	c.dupAcks = 0
}

// EffectiveWindow returns min(cwnd, peerWnd), the amount of unacked data
// allowed to be outstanding.
func (c *Control) EffectiveWindow(peerWnd uint32) uint32 {
	if c.Cwnd < peerWnd {
		return c.Cwnd
	}
	return peerWnd
}
