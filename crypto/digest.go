package crypto

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
)

const callDomain = "workescrow/call/v1"

// CallDigest returns the digest a party signs to authorise an escrow call.
// Every component is length-prefixed so distinct field splits never collide.
func CallDigest(method string, fields ...[]byte) []byte {
	parts := make([][]byte, 0, len(fields)+2)
	parts = append(parts, lengthPrefixed([]byte(callDomain)), lengthPrefixed([]byte(method)))
	for _, field := range fields {
		parts = append(parts, lengthPrefixed(field))
	}
	return crypto.Keccak256(parts...)
}

// Uint64Field encodes v as a fixed-width digest field.
func Uint64Field(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out, uint32(len(b)))
	copy(out[4:], b)
	return out
}
