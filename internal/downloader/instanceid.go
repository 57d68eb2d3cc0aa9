package downloader

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// NewAttemptID returns a token unique to one execution attempt (pid+random),
// used to keep concurrent or retried attempts from sharing a staging file.
func NewAttemptID() string {
	pid := os.Getpid()
	rnd := make([]byte, 6)
	_, _ = rand.Read(rnd)

	return strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
