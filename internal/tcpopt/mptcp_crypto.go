package tcpopt

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
)

// DeriveTokenAndIDSN implements §4.2's token/IDSN law: both are derived from
// SHA-1 over the 8-byte big-endian encoding of the key. Token is the first 4
// bytes (as a big-endian integer); IDSN is the last 4 bytes.
func DeriveTokenAndIDSN(key uint64) (token uint32, idsn uint32) {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], key)
	sum := sha1.Sum(be[:])
	token = binary.BigEndian.Uint32(sum[0:4])
	idsn = binary.BigEndian.Uint32(sum[16:20])
	return token, idsn
}

// ComputeJoinHMAC computes the MP_JOIN HMAC per §4.2: HMAC-SHA1 over the
// concatenation (keyA || keyB) as a raw 16-byte key and (randA || randB) as
// an 8-byte message, returning the high 64 bits (the truncated form carried
// on the wire). Caller chooses the (A, B) ordering for the side computing it.
func ComputeJoinHMAC(keyA, keyB uint64, randA, randB uint32) uint64 {
	var key [16]byte
	binary.BigEndian.PutUint64(key[0:8], keyA)
	binary.BigEndian.PutUint64(key[8:16], keyB)

	var msg [8]byte
	binary.BigEndian.PutUint32(msg[0:4], randA)
	binary.BigEndian.PutUint32(msg[4:8], randB)

	mac := hmac.New(sha1.New, key[:])
	mac.Write(msg[:])
	full := mac.Sum(nil)
	return binary.BigEndian.Uint64(full[0:8])
}
