package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for the Pebble backend:
//
//   book          → JSON snapshot of both sides
//   acc:<address> → Account
//   fill:<seq>    → Fill, seq zero-padded (20 digits) so scans run in append order
//   seq:fill      → last fill sequence, 8-byte big endian

const (
	keyBook       = "book"
	keyFillSeq    = "seq:fill"
	prefixAccount = "acc:"
	prefixFill    = "fill:"
)

// accountKey returns the key for an account
// Format: "acc:{address}"
func accountKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixAccount, addr.Hex()))
}

// fillKey returns the key for the fill with sequence seq
// Format: "fill:{seq}"
func fillKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixFill, seq))
}

func encodeSeq(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func decodeSeq(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("corrupt sequence: %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
