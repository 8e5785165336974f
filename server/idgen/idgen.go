// Package idgen generates the queue ids that name a received message in
// logs, Received headers and synthesized Message-Id fields.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"
)

var (
	nodeID   [2]byte
	sequence atomic.Uint32
	encoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)
)

func init() {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		_, _ = rand.Read(nodeID[:])
		return
	}
	sum := blake3.Sum256([]byte(hostname))
	copy(nodeID[:], sum[:2])
}

// New returns a queue id. Layout before encoding:
//   - 6 bytes: milliseconds since epoch
//   - 2 bytes: node id derived from the hostname
//   - 3 bytes: per-process sequence
//
// The 11 bytes encode to 18 characters of extended-hex base32, so ids from
// one node sort by creation time.
func New() string {
	return newAt(time.Now())
}

func newAt(now time.Time) string {
	ms := uint64(now.UnixMilli())
	seq := sequence.Add(1) & 0xFFFFFF

	var id [11]byte
	for i := 0; i < 6; i++ {
		id[i] = byte(ms >> (8 * (5 - i)))
	}
	id[6] = nodeID[0]
	id[7] = nodeID[1]
	id[8] = byte(seq >> 16)
	id[9] = byte(seq >> 8)
	id[10] = byte(seq)

	return strings.ToUpper(encoding.EncodeToString(id[:]))
}

// Time extracts the creation time from an id produced by New.
func Time(id string) (time.Time, bool) {
	raw, err := encoding.DecodeString(strings.ToLower(id))
	if err != nil || len(raw) != 11 {
		return time.Time{}, false
	}
	var ms uint64
	for _, b := range raw[:6] {
		ms = ms<<8 | uint64(b)
	}
	return time.UnixMilli(int64(ms)), true
}
