package rand

import (
	cr "crypto/rand"
	"encoding/base32"
	"math/rand"
	"time"
)

// ID16 returns an opaque 16-char identifier, used to tag individual
// cloud-command instances so confirms can be correlated.
func ID16() string {
	var b [10]byte // 10 raw bytes → 16 base32 chars
	_, _ = cr.Read(b[:])
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:])
}

// Jitter returns a uniform random duration in [0, window). A whole fleet
// configured with the same reboot time must not hit the cloud in the same
// second, so every device offsets by its own jitter.
func Jitter(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(window)))
}
