// Package congestion implements RTT estimation (Jacobson/Karels), Reno-style
// slow-start/AIMD congestion control, fast retransmit on duplicate ACKs, and
// the per-flow SACK block table (C5, §4.5). Grounded on tinyrange-cc's
// tcpRTTEstimator/tcpCongestionControl, generalized from RFC 6298's simpler
// (srtt, rttvar) pair to the Linux-style mdev/mdev_max split §4.5 specifies.
package congestion

import (
	"time"

	"github.com/tinyrange/mtcpengine/internal/seqnum"
)

// RTOMin and RTOMax bound the retransmission timeout.
const (
	RTOMin = 200 * time.Millisecond
	RTOMax = 120 * time.Second
)

// RTTEstimator tracks srtt/mdev/mdev_max/rttvar and derives RTO, following
// the Jacobson/Karels algorithm as used by Linux's tcp_rtt_estimator (§4.5).
// srtt is tracked scaled by 8 (the `<<3`/`>>3` in the spec's description)
// and mdev scaled by 4, to preserve fractional precision with integer math;
// mdev_max and rttvar are held unscaled.
type RTTEstimator struct {
	srtt8    int64 // smoothed RTT, scaled by 8
	mdev4    int64 // mean deviation, scaled by 4 (matches spec's `m<<1` first-sample form once halved)
	mdevMax  int64 // per-RTT peak deviation (unscaled duration as int64 ns)
	rttVar   int64 // smoothed deviation fed into RTO (unscaled duration as int64 ns)
	rttSeq   uint32
	hasFirst bool
	rto      time.Duration
}

// NewRTTEstimator creates an estimator with no samples yet; RTO defaults to
// RTOMin until the first sample arrives.
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{rto: RTOMin}
}

// Sample feeds a non-retransmitted RTT measurement, along with the current
// snd_nxt so the mdev_max→rttvar decay can be gated on snd_una crossing the
// sequence number recorded at the previous decay (§4.5).
func (r *RTTEstimator) Sample(rtt time.Duration, sndUna, sndNxt uint32) {
	m := int64(rtt)

	if !r.hasFirst {
		r.srtt8 = m << 3
		r.mdev4 = (m << 1) << 2 // m<<1, pre-scaled by 4 to match steady-state units
		r.mdevMax = m << 1
		if r.mdevMax < int64(RTOMin) {
			r.mdevMax = int64(RTOMin)
		}
		r.rttVar = r.mdevMax
		r.rttSeq = sndNxt
		r.hasFirst = true
	} else {
		delta := m - (r.srtt8 >> 3)
		r.srtt8 += delta
		if delta < 0 {
			delta = -delta
		}
		// mdev tracks |deviation| with a 1/4 gain, matching §4.5's phrasing.
		r.mdev4 += (delta - (r.mdev4 >> 2))
		dev := r.mdev4 >> 2
		if dev > r.mdevMax {
			r.mdevMax = dev
		}
		if seqnum.GEQ(seqnum.Value(sndUna), seqnum.Value(r.rttSeq)) {
			if r.rttVar > r.mdevMax {
				r.rttVar -= (r.rttVar - r.mdevMax) >> 2
			} else {
				r.rttVar = r.mdevMax
			}
			r.rttSeq = sndNxt
			r.mdevMax = int64(RTOMin) / 4
		}
	}

	rto := time.Duration(r.srtt8>>3) + time.Duration(r.rttVar)
	if rto <= 0 {
		rto = RTOMin
	}
	if rto < RTOMin {
		rto = RTOMin
	}
	if rto > RTOMax {
		rto = RTOMax
	}
	r.rto = rto
}

// RTO returns the current retransmission timeout.
func (r *RTTEstimator) RTO() time.Duration { return r.rto }

// Backoff doubles the RTO on retransmission timeout, per standard exponential
// backoff, capped at RTOMax.
func (r *RTTEstimator) Backoff() {
	r.rto *= 2
	if r.rto > RTOMax {
		r.rto = RTOMax
	}
}
