// Package sendqueue implements the per-flow send buffer and retransmission
// queue (C4): a byte-addressed queue of unacked data with head-seq tracking,
// trim-on-ack; it holds no timer (the engine arms the RTO). Grounded on tinyrange-cc's
// internal/netstack/tcp.go tcpSendBuffer, adapted to the head_seq/len/size
// byte-addressed model of §4.4.
package sendqueue

import (
	"sync"
	"time"
)

// Segment is a contiguous run of unacknowledged bytes awaiting ACK or
// retransmission.
type Segment struct {
	SeqStart  uint32
	SeqEnd    uint32
	Payload   []byte
	SentAt    time.Time
	RetxCount int
}

// Queue is the unacked-byte store for one flow's send side.
type Queue struct {
	mu sync.Mutex

	headSeq  uint32
	len      uint32
	size     uint32
	segments []Segment
}

// New creates a send queue rooted at headSeq with the given byte capacity.
func New(headSeq uint32, size uint32) *Queue {
	return &Queue{
		headSeq:  headSeq,
		size:     size,
		segments: make([]Segment, 0, 16),
	}
}

// HeadSeq returns the oldest unacknowledged sequence number.
func (q *Queue) HeadSeq() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.headSeq
}

// Len returns the number of unacked bytes currently queued.
func (q *Queue) Len() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}

// Size returns the queue's byte capacity.
func (q *Queue) Size() uint32 { return q.size }

// Push appends bytes to the send queue as a new unacked segment starting at
// headSeq+len. Returns false if the queue is at capacity.
func (q *Queue) Push(payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.len+uint32(len(payload)) > q.size {
		return false
	}
	start := q.headSeq + q.len
	q.segments = append(q.segments, Segment{
		SeqStart: start,
		SeqEnd:   start + uint32(len(payload)),
		Payload:  payload,
		SentAt:   time.Now(),
	})
	q.len += uint32(len(payload))
	return true
}

// Trim advances headSeq by n bytes and shrinks len accordingly, discarding
// now-acknowledged segments (or the acknowledged prefix of a segment).
func (q *Queue) Trim(n uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trimLocked(n)
}

func (q *Queue) trimLocked(n uint32) {
	if n == 0 {
		return
	}
	target := q.headSeq + n
	kept := q.segments[:0]
	for _, seg := range q.segments {
		if seg.SeqEnd <= target {
			continue
		}
		if seg.SeqStart < target {
			cut := target - seg.SeqStart
			seg.Payload = seg.Payload[cut:]
			seg.SeqStart = target
		}
		kept = append(kept, seg)
	}
	q.segments = kept
	q.headSeq = target
	if n > q.len {
		q.len = 0
	} else {
		q.len -= n
	}
}

// AckResult reports the effect of processing a cumulative ACK.
type AckResult struct {
	BytesAcked int
	RTTSample  time.Duration
	HasRTT     bool
}

// Ack processes a cumulative ACK for ackSeq: if it covers new bytes
// (rmlen = ackSeq - headSeq > 0), trims the queue and reports an RTT sample
// drawn from the oldest acked, non-retransmitted segment, per §4.4/§4.5.
func (q *Queue) Ack(ackSeq uint32) AckResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	rmlen := ackSeq - q.headSeq
	if int32(rmlen) <= 0 {
		return AckResult{}
	}

	now := time.Now()
	var res AckResult
	for _, seg := range q.segments {
		if seg.SeqEnd > ackSeq {
			break
		}
		if seg.RetxCount == 0 && !res.HasRTT {
			res.RTTSample = now.Sub(seg.SentAt)
			res.HasRTT = true
		}
	}
	res.BytesAcked = int(rmlen)
	q.trimLocked(rmlen)
	return res
}

// Oldest returns the oldest unacked segment, if any.
func (q *Queue) Oldest() (Segment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.segments) == 0 {
		return Segment{}, false
	}
	return q.segments[0], true
}

// MarkRetransmittedN bumps the retransmit count and timestamp of the oldest
// n segments, used when the RTO fires or fast retransmit re-sends data.
func (q *Queue) MarkRetransmittedN(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for i := 0; i < n && i < len(q.segments); i++ {
		q.segments[i].RetxCount++
		q.segments[i].SentAt = now
	}
}

// CoalescedFrom returns the segments from seqStart onward, concatenated up
// to maxSize bytes, for rebuilding an outbound retransmission segment.
func (q *Queue) CoalescedFrom(seqStart uint32, maxSize int) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []byte
	found := false
	for _, seg := range q.segments {
		if seg.SeqEnd <= seqStart {
			continue
		}
		start := 0
		if seg.SeqStart < seqStart {
			start = int(seqStart - seg.SeqStart)
		}
		remaining := maxSize - len(out)
		if remaining <= 0 {
			break
		}
		chunk := seg.Payload[start:]
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		out = append(out, chunk...)
		found = true
		if len(out) >= maxSize {
			break
		}
	}
	return out, found
}

// InFlight returns the number of bytes currently unacknowledged.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.len)
}
