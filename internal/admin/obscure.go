package admin

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Obscurer hashes end-user addresses with a random salt that is replaced
// every hour, so hashes can be correlated within the hour but not across it.
type Obscurer struct {
	mu     sync.Mutex
	now    func() time.Time
	period time.Time
	salt   []byte
}

func NewObscurer() *Obscurer {
	return &Obscurer{now: time.Now}
}

// Hash returns a short hex digest of s under the current salt.
func (o *Obscurer) Hash(s string) string {
	o.mu.Lock()
	period := o.now().UTC().Truncate(time.Hour)
	if o.salt == nil || !period.Equal(o.period) {
		o.salt = make([]byte, 32)
		if _, err := rand.Read(o.salt); err != nil {
			// crypto/rand does not fail on supported platforms.
			panic(err)
		}
		o.period = period
	}
	mac := hmac.New(sha256.New, o.salt)
	o.mu.Unlock()

	mac.Write([]byte(s))
	return "0x" + hex.EncodeToString(mac.Sum(nil)[:8])
}
