package proctor

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// SessionKey derives the stable session identifier for one candidate, one
// offer and one calendar day (in day's location). The key is an opaque
// 128-bit BLAKE2b digest so it can travel in URLs and Redis keys as is.
// Every field is length-prefixed, so no byte inside an identifier can move
// a field boundary.
func SessionKey(candidateID, offerID string, day time.Time) string {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// Unreachable: 16 is a valid digest size and no key is used.
		panic(err)
	}
	for _, field := range []string{candidateID, offerID, day.Format(time.DateOnly)} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
