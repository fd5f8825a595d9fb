package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NormalizePhone(p string) string {
	// TODO: swap for libphonenumber once inbound numbers are not all E.164
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

func NormalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// LocalPart returns the part of an address before '@', or the whole input if there is none.
func LocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

// NewID returns a prefixed ULID. ULIDs sort by creation time.
func NewID(prefix string) string {
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
