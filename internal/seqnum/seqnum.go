// Package seqnum centralizes modular 32-bit TCP sequence-number arithmetic
// and the Internet checksum used by the receive-path engine. Every sequence
// comparison in the engine goes through the helpers here rather than
// hand-rolling wraparound-aware comparisons at each call site.
package seqnum

import "encoding/binary"

// Value is a 32-bit TCP sequence number. Comparisons wrap modulo 2^32.
type Value uint32

// LT reports whether a comes strictly before b, modulo 2^32.
func LT(a, b Value) bool { return int32(a-b) < 0 }

// LEQ reports whether a comes at or before b, modulo 2^32.
func LEQ(a, b Value) bool { return int32(a-b) <= 0 }

// GT reports whether a comes strictly after b, modulo 2^32.
func GT(a, b Value) bool { return int32(a-b) > 0 }

// GEQ reports whether a comes at or after b, modulo 2^32.
func GEQ(a, b Value) bool { return int32(a-b) >= 0 }

// Between reports whether x falls in the half-open window [lo, hi) under
// modular arithmetic: (x-lo) mod 2^32 < (hi-lo) mod 2^32.
func Between(x, lo, hi Value) bool {
	return uint32(x-lo) < uint32(hi-lo)
}

// Overlap reports whether [aStart, aEnd) and [bStart, bEnd) overlap under
// modular arithmetic.
func Overlap(aStart, aEnd, bStart, bEnd Value) bool {
	return LT(aStart, bEnd) && LT(bStart, aEnd)
}

// Acceptable implements the §4.1 window-validity rule exactly as given there
// and in the original implementation (mtcp/src/tcp_in.c's
// TCP_SEQ_BETWEEN(seq + payloadlen, rcv_nxt, rcv_nxt + rcv_wnd)): a segment
// with first sequence number s and length l is acceptable iff BETWEEN(s+l,
// rcvNxt, rcvNxt+rcvWnd). A zero-length, zero-window probe is acceptable only
// at exactly rcvNxt.
func Acceptable(s Value, l uint32, rcvNxt Value, rcvWnd uint32) bool {
	if l == 0 && rcvWnd == 0 {
		return s == rcvNxt
	}
	return Between(s+Value(l), rcvNxt, rcvNxt+Value(rcvWnd))
}

// foldChecksum folds a 32-bit accumulator down to the one's-complement 16-bit
// Internet checksum (RFC 1071).
func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// sum16 accumulates the 16-bit big-endian words of data, padding with a
// trailing zero byte if data has odd length.
func sum16(data []byte) uint32 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return sum
}

// PseudoHeaderSum accumulates the IPv4 pseudo-header (source, destination,
// zero byte, protocol, segment length) into a running checksum accumulator,
// for use ahead of the TCP/UDP payload sum.
func PseudoHeaderSum(srcIP, dstIP [4]byte, proto uint8, length int) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(srcIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(srcIP[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[2:4]))
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// TCPChecksum computes the Internet checksum over a TCP header+payload
// (with the checksum field itself zeroed by the caller) combined with the
// IPv4 pseudo-header, per §4.1.
func TCPChecksum(srcIP, dstIP [4]byte, tcpSegment []byte) uint16 {
	sum := PseudoHeaderSum(srcIP, dstIP, 6, len(tcpSegment))
	sum += sum16(tcpSegment)
	return foldChecksum(sum)
}

// VerifyTCPChecksum reports whether the checksum field embedded in
// tcpSegment (bytes 16:18) is valid for the given pseudo-header, unless
// checksumVerified is set by the datapath (hardware-offload hint, §4.1), in
// which case verification is skipped and true is returned unconditionally.
func VerifyTCPChecksum(srcIP, dstIP [4]byte, tcpSegment []byte, checksumVerified bool) bool {
	if checksumVerified {
		return true
	}
	sum := PseudoHeaderSum(srcIP, dstIP, 6, len(tcpSegment))
	sum += sum16(tcpSegment)
	return foldChecksum(sum) == 0
}
