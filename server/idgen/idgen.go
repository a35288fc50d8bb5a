// Package idgen mints compact, time-ordered unique identifiers. The routing
// core uses them as transaction ids (one per MAIL FROM) and as session ids.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"os"
	"sync/atomic"
	"time"
)

// An id is 12 bytes: 4 bytes of unix time, 3 bytes of per-process node id,
// a 2-byte sequence and 3 random bytes. Base32 without padding yields a
// 20-character lowercase string that sorts roughly by creation time.
const rawLen = 12

var (
	nodeID   [3]byte
	sequence uint32
	encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err != nil {
		// Derive a stable node id from the hostname when crypto/rand
		// is unavailable; ids stay usable either way.
		hostname, _ := os.Hostname()
		copy(nodeID[:], hostname)
	}
}

// New returns a fresh identifier. Safe for concurrent use.
func New() string {
	var raw [rawLen]byte
	binary.BigEndian.PutUint32(raw[0:4], uint32(time.Now().Unix()))
	copy(raw[4:7], nodeID[:])
	binary.BigEndian.PutUint16(raw[7:9], uint16(atomic.AddUint32(&sequence, 1)))
	if _, err := rand.Read(raw[9:12]); err != nil {
		binary.BigEndian.PutUint32(raw[8:12], uint32(time.Now().UnixNano()))
	}
	return encoding.EncodeToString(raw[:])
}
