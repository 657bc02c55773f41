// Package tcpopt implements the TCP option parser/encoder used by the
// receive-path engine, including the MPTCP option family (kind 30):
// MP_CAPABLE, MP_JOIN, and DSS. It is a slice-based decoder that performs
// bounds checks at every advance rather than raw pointer walking, per the
// engine's option-codec design (§4.2, §9).
package tcpopt

import "encoding/binary"

// Option kinds recognized by the parser (RFC 793, RFC 1323, RFC 2018, RFC 8684).
const (
	KindEnd           = 0
	KindNOP           = 1
	KindMSS           = 2
	KindWindowScale   = 3
	KindSACKPermitted = 4
	KindSACK          = 5
	KindTimestamps    = 8
	KindMPTCP         = 30
)

// MPTCP subtypes, carried in the high 4 bits of the first MPTCP option byte.
const (
	SubtypeMPCapable = 0
	SubtypeMPJoin    = 1
	SubtypeDSS       = 2
)

// MaxSACKEntries bounds the SACK block table carried per segment.
const MaxSACKEntries = 4

// SACKBlock is a single selective-acknowledgement range [Left, Right).
type SACKBlock struct {
	Left, Right uint32
}

// Timestamps holds the RFC 1323 TSval/TSecr pair.
type Timestamps struct {
	TSval uint32
	TSecr uint32
}

// MPCapable is the parsed payload of an MP_CAPABLE option, used for both the
// SYN/SYN-ACK form (a single key) and the ACK form (both keys).
type MPCapable struct {
	Version        uint8
	Flags          uint8
	SenderKey      uint64
	ReceiverKey    uint64
	HasReceiverKey bool
}

// MPJoin is the parsed payload of an MP_JOIN option. SYN carries Token; the
// SYN-ACK carries the truncated HMAC instead. AddressID is carried on both,
// resolving the byte-count given in §4.2 (flags+addressID+token/hmac+random).
type MPJoin struct {
	IsSynAck  bool
	Flags     uint8
	AddressID uint8
	Token     uint32 // valid when !IsSynAck
	HMAC      uint64 // truncated HMAC, valid when IsSynAck
	Random    uint32
}

// DSS is the parsed payload of a Data Sequence Signal option.
type DSS struct {
	HasDataAck bool
	DataAck    uint32
	HasDSN     bool
	DSN        uint32
	SubSeq     uint32
	DataLen    uint16
	Checksum   uint16
	DataFin    bool
}

// DSS flag bits (§4.2).
const (
	dssFlagDataAckPresent = 1 << 0
	dssFlagDSNPresent     = 1 << 2
	dssFlagDataFin        = 1 << 4
)

// MPTCPOption is the tagged result of parsing an MPTCP (kind 30) option.
// Exactly one of Capable, Join, DSS is non-nil, matching Subtype.
type MPTCPOption struct {
	Subtype uint8
	Capable *MPCapable
	Join    *MPJoin
	DSS     *DSS
}

// Parsed aggregates every option recognized from a single option-area parse.
type Parsed struct {
	HasMSS        bool
	MSS           uint16
	HasWindowScale bool
	WindowScale   uint8
	SACKPermitted bool
	HasTimestamps bool
	Timestamps    Timestamps
	SACKBlocks    []SACKBlock
	MPTCP         *MPTCPOption
}

// Parse walks the TCP options area respecting END (stop immediately) and NOP
// (skip one byte); every other kind is length-prefixed and the parser
// advances by that length. Unknown or malformed options are skipped/stop
// parsing rather than erroring, matching real-world tolerant TCP stacks.
func Parse(options []byte) Parsed {
	var p Parsed
	i := 0
	for i < len(options) {
		kind := options[i]
		switch kind {
		case KindEnd:
			return p
		case KindNOP:
			i++
			continue
		case KindMSS:
			if i+4 <= len(options) && options[i+1] == 4 {
				p.MSS = binary.BigEndian.Uint16(options[i+2 : i+4])
				p.HasMSS = true
			}
			i = advance(options, i)
		case KindWindowScale:
			if i+3 <= len(options) && options[i+1] == 3 {
				p.WindowScale = options[i+2]
				p.HasWindowScale = true
			}
			i = advance(options, i)
		case KindSACKPermitted:
			if i+2 <= len(options) && options[i+1] == 2 {
				p.SACKPermitted = true
			}
			i = advance(options, i)
		case KindTimestamps:
			if i+10 <= len(options) && options[i+1] == 10 {
				p.Timestamps.TSval = binary.BigEndian.Uint32(options[i+2 : i+6])
				p.Timestamps.TSecr = binary.BigEndian.Uint32(options[i+6 : i+10])
				p.HasTimestamps = true
			}
			i = advance(options, i)
		case KindSACK:
			if i+1 < len(options) {
				length := int(options[i+1])
				if length >= 2 && i+length <= len(options) {
					p.SACKBlocks = parseSACKBlocks(options[i+2 : i+length])
				}
			}
			i = advance(options, i)
		case KindMPTCP:
			if i+1 < len(options) {
				length := int(options[i+1])
				if length >= 3 && i+length <= len(options) {
					if opt, ok := parseMPTCP(options[i+2 : i+length]); ok {
						p.MPTCP = opt
					}
				}
			}
			i = advance(options, i)
		default:
			i = advance(options, i)
		}
	}
	return p
}

// advance returns the index past the current option, or len(options) if the
// length byte is missing or invalid (stopping the walk).
func advance(options []byte, i int) int {
	if i+1 >= len(options) {
		return len(options)
	}
	length := int(options[i+1])
	if length < 2 {
		return len(options)
	}
	if i+length > len(options) {
		return len(options)
	}
	return i + length
}

func parseSACKBlocks(data []byte) []SACKBlock {
	var blocks []SACKBlock
	for i := 0; i+8 <= len(data) && len(blocks) < MaxSACKEntries; i += 8 {
		blocks = append(blocks, SACKBlock{
			Left:  binary.BigEndian.Uint32(data[i : i+4]),
			Right: binary.BigEndian.Uint32(data[i+4 : i+8]),
		})
	}
	return blocks
}

func parseMPTCP(payload []byte) (*MPTCPOption, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	subtype := payload[0] >> 4
	switch subtype {
	case SubtypeMPCapable:
		return parseMPCapable(payload)
	case SubtypeMPJoin:
		return parseMPJoin(payload)
	case SubtypeDSS:
		return parseDSS(payload)
	default:
		return nil, false
	}
}

func parseMPCapable(payload []byte) (*MPTCPOption, bool) {
	// SYN/SYN-ACK: version/flags(1) + flags(1) + key(8) = 10 bytes.
	// ACK: version/flags(1) + flags(1) + senderKey(8) + receiverKey(8) = 18 bytes.
	if len(payload) == 10 {
		return &MPTCPOption{
			Subtype: SubtypeMPCapable,
			Capable: &MPCapable{
				Version:   payload[0] & 0x0f,
				Flags:     payload[1],
				SenderKey: binary.BigEndian.Uint64(payload[2:10]),
			},
		}, true
	}
	if len(payload) == 18 {
		return &MPTCPOption{
			Subtype: SubtypeMPCapable,
			Capable: &MPCapable{
				Version:        payload[0] & 0x0f,
				Flags:          payload[1],
				SenderKey:      binary.BigEndian.Uint64(payload[2:10]),
				ReceiverKey:    binary.BigEndian.Uint64(payload[10:18]),
				HasReceiverKey: true,
			},
		}, true
	}
	return nil, false
}

func parseMPJoin(payload []byte) (*MPTCPOption, bool) {
	// SYN: flags(1) + addressID(1) + token(4) + random(4) = 10 bytes.
	if len(payload) == 10 {
		return &MPTCPOption{
			Subtype: SubtypeMPJoin,
			Join: &MPJoin{
				Flags:     payload[0] & 0x0f,
				AddressID: payload[1],
				Token:     binary.BigEndian.Uint32(payload[2:6]),
				Random:    binary.BigEndian.Uint32(payload[6:10]),
			},
		}, true
	}
	// SYN-ACK: flags(1) + addressID(1) + hmac(8) + random(4) = 14 bytes.
	if len(payload) == 14 {
		return &MPTCPOption{
			Subtype: SubtypeMPJoin,
			Join: &MPJoin{
				IsSynAck:  true,
				Flags:     payload[0] & 0x0f,
				AddressID: payload[1],
				HMAC:      binary.BigEndian.Uint64(payload[2:10]),
				Random:    binary.BigEndian.Uint32(payload[10:14]),
			},
		}, true
	}
	return nil, false
}

func parseDSS(payload []byte) (*MPTCPOption, bool) {
	if len(payload) < 2 {
		return nil, false
	}
	flags := payload[1]
	dss := &DSS{DataFin: flags&dssFlagDataFin != 0}
	off := 2
	if flags&dssFlagDataAckPresent != 0 {
		if off+4 > len(payload) {
			return nil, false
		}
		dss.DataAck = binary.BigEndian.Uint32(payload[off : off+4])
		dss.HasDataAck = true
		off += 4
	}
	if flags&dssFlagDSNPresent != 0 {
		if off+4 > len(payload) {
			return nil, false
		}
		dss.DSN = binary.BigEndian.Uint32(payload[off : off+4])
		dss.HasDSN = true
		off += 4
		if off+4 > len(payload) {
			return nil, false
		}
		dss.SubSeq = binary.BigEndian.Uint32(payload[off : off+4])
		off += 4
		if off+2 > len(payload) {
			return nil, false
		}
		dss.DataLen = binary.BigEndian.Uint16(payload[off : off+2])
		off += 2
		if off+2 <= len(payload) {
			dss.Checksum = binary.BigEndian.Uint16(payload[off : off+2])
			off += 2
		}
	}
	return &MPTCPOption{Subtype: SubtypeDSS, DSS: dss}, true
}

////////////////////////////////////////////////////////////////////////////////
// Encoding
////////////////////////////////////////////////////////////////////////////////

// EncodeMSS encodes an MSS option (kind 2, length 4).
func EncodeMSS(mss uint16) []byte {
	b := make([]byte, 4)
	b[0], b[1] = KindMSS, 4
	binary.BigEndian.PutUint16(b[2:4], mss)
	return b
}

// EncodeWindowScale encodes a Window Scale option (kind 3, length 3).
func EncodeWindowScale(shift uint8) []byte {
	return []byte{KindWindowScale, 3, shift}
}

// EncodeSACKPermitted encodes a SACK-Permitted option (kind 4, length 2).
func EncodeSACKPermitted() []byte {
	return []byte{KindSACKPermitted, 2}
}

// EncodeTimestamps encodes a Timestamps option (kind 8, length 10).
func EncodeTimestamps(ts Timestamps) []byte {
	b := make([]byte, 10)
	b[0], b[1] = KindTimestamps, 10
	binary.BigEndian.PutUint32(b[2:6], ts.TSval)
	binary.BigEndian.PutUint32(b[6:10], ts.TSecr)
	return b
}

// EncodeSACKBlocks encodes up to MaxSACKEntries SACK blocks (kind 5).
func EncodeSACKBlocks(blocks []SACKBlock) []byte {
	if len(blocks) > MaxSACKEntries {
		blocks = blocks[:MaxSACKEntries]
	}
	b := make([]byte, 2+8*len(blocks))
	b[0], b[1] = KindSACK, byte(len(b))
	off := 2
	for _, blk := range blocks {
		binary.BigEndian.PutUint32(b[off:off+4], blk.Left)
		binary.BigEndian.PutUint32(b[off+4:off+8], blk.Right)
		off += 8
	}
	return b
}

// EncodeMPCapableSYN encodes an MP_CAPABLE option carrying a single key, for
// use on both the initial SYN and the SYN-ACK (§4.2).
func EncodeMPCapableSYN(version, flags uint8, key uint64) []byte {
	b := make([]byte, 12)
	b[0], b[1] = KindMPTCP, 12
	b[2] = (SubtypeMPCapable << 4) | (version & 0x0f)
	b[3] = flags
	binary.BigEndian.PutUint64(b[4:12], key)
	return b
}

// EncodeMPCapableACK encodes the MP_CAPABLE ACK option carrying both keys.
func EncodeMPCapableACK(version, flags uint8, senderKey, receiverKey uint64) []byte {
	b := make([]byte, 20)
	b[0], b[1] = KindMPTCP, 20
	b[2] = (SubtypeMPCapable << 4) | (version & 0x0f)
	b[3] = flags
	binary.BigEndian.PutUint64(b[4:12], senderKey)
	binary.BigEndian.PutUint64(b[12:20], receiverKey)
	return b
}

// EncodeMPJoinSYN encodes the MP_JOIN option carried on a join's initial SYN.
func EncodeMPJoinSYN(flags, addressID uint8, token, random uint32) []byte {
	b := make([]byte, 12)
	b[0], b[1] = KindMPTCP, 12
	b[2] = (SubtypeMPJoin << 4) | (flags & 0x0f)
	b[3] = addressID
	binary.BigEndian.PutUint32(b[4:8], token)
	binary.BigEndian.PutUint32(b[8:12], random)
	return b
}

// EncodeMPJoinSynAck encodes the MP_JOIN option carried on a join's SYN-ACK.
func EncodeMPJoinSynAck(flags, addressID uint8, hmac uint64, random uint32) []byte {
	b := make([]byte, 16)
	b[0], b[1] = KindMPTCP, 16
	b[2] = (SubtypeMPJoin << 4) | (flags & 0x0f)
	b[3] = addressID
	binary.BigEndian.PutUint64(b[4:12], hmac)
	binary.BigEndian.PutUint32(b[12:16], random)
	return b
}

// EncodeDSS encodes a Data Sequence Signal option with the fields present in
// dss; DataAck and DSN are each encoded only if their Has* flag is set.
func EncodeDSS(dss DSS) []byte {
	var flags uint8
	size := 4 // kind + length + subtype byte + flags byte
	if dss.HasDataAck {
		flags |= dssFlagDataAckPresent
		size += 4
	}
	if dss.HasDSN {
		flags |= dssFlagDSNPresent
		size += 4 + 4 + 2 + 2
	}
	if dss.DataFin {
		flags |= dssFlagDataFin
	}

	b := make([]byte, size)
	b[0], b[1] = KindMPTCP, byte(size)
	b[2] = SubtypeDSS << 4
	b[3] = flags
	off := 4
	if dss.HasDataAck {
		binary.BigEndian.PutUint32(b[off:off+4], dss.DataAck)
		off += 4
	}
	if dss.HasDSN {
		binary.BigEndian.PutUint32(b[off:off+4], dss.DSN)
		off += 4
		binary.BigEndian.PutUint32(b[off:off+4], dss.SubSeq)
		off += 4
		binary.BigEndian.PutUint16(b[off:off+2], dss.DataLen)
		off += 2
		binary.BigEndian.PutUint16(b[off:off+2], dss.Checksum)
		off += 2
	}
	return b
}
