// Package srs reverses bounce-redirect (SRS, Sender Rewriting Scheme)
// addresses. A forwarding hop rewrites the envelope sender so that a later
// bounce can be routed back through it; this package verifies such a rewrite
// cryptographically and recovers the original recipient.
//
// The encoded local part has the form
//
//	SRS0=HHHH=TT=original-domain=original-local
//
// where HHHH is a truncated HMAC-SHA1 signature over the timestamp and the
// case-folded original address, and TT is a two character base32 day counter.
// Signature and timestamp comparison is case-sensitive; relays that fold the
// address to lowercase are handled upstream by address normalization, which
// repairs the token case before reversal.
package srs

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/migadu/tern/consts"
)

const (
	prefix = "SRS0"

	// hashLength is the number of hex characters of the HMAC kept in the
	// address. The signature only has to make blind forgery of bounce
	// targets impractical, not authenticate messages.
	hashLength = 4

	timestampBase  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	timestampSlots = 1024 // 2 base32 chars, 10 bits
)

// Reversed is the result of a successful SRS reversal.
type Reversed struct {
	// LocalPart and Domain form the original recipient the bounce must be
	// routed to. Domain is in ASCII (punycode) form.
	LocalPart string
	Domain    string
}

// Address returns the reconstructed original recipient address.
func (r Reversed) Address() string {
	return r.LocalPart + "@" + r.Domain
}

// IsEncoded reports whether localPart looks like an SRS0 rewrite.
func IsEncoded(localPart string) bool {
	if len(localPart) < len(prefix)+1 {
		return false
	}
	if !strings.EqualFold(localPart[:len(prefix)], prefix) {
		return false
	}
	switch localPart[len(prefix)] {
	case '=', '-', '+':
		return true
	}
	return false
}

// Forward encodes the original recipient into an SRS0 local part, signed with
// secret and stamped with the current day counter.
func Forward(localPart, domain string, secret []byte, now time.Time) string {
	ts := encodeTimestamp(now)
	return prefix + "=" + signature(secret, ts, domain, localPart) + "=" + ts + "=" + domain + "=" + localPart
}

// Reverse verifies an SRS0 local part and recovers the original recipient.
// Every failure is permanent: a malformed encoding, a bad signature or an
// expired timestamp all mean the recipient cannot be routed, now or later.
func Reverse(encodedLocalPart string, secret []byte, maxAge time.Duration, now time.Time) (Reversed, error) {
	if !IsEncoded(encodedLocalPart) {
		return Reversed{}, fmt.Errorf("%w: missing SRS0 prefix in '%s'", consts.ErrSRSMalformed, encodedLocalPart)
	}

	rest := encodedLocalPart[len(prefix)+1:]
	parts := strings.SplitN(rest, "=", 4)
	if len(parts) != 4 {
		return Reversed{}, fmt.Errorf("%w: expected hash=timestamp=domain=local, got %d fields", consts.ErrSRSMalformed, len(parts))
	}
	hash, ts, domain, localPart := parts[0], parts[1], parts[2], parts[3]

	if len(hash) != hashLength || len(ts) != 2 {
		return Reversed{}, fmt.Errorf("%w: bad hash or timestamp length", consts.ErrSRSMalformed)
	}

	if !hmac.Equal([]byte(hash), []byte(signature(secret, ts, domain, localPart))) {
		return Reversed{}, consts.ErrSRSInvalidHash
	}

	if err := checkTimestamp(ts, maxAge, now); err != nil {
		return Reversed{}, err
	}

	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		asciiDomain = domain
	}
	if asciiDomain == "" {
		return Reversed{}, consts.ErrSRSEmptyDomain
	}

	return Reversed{LocalPart: localPart, Domain: asciiDomain}, nil
}

// signature computes the truncated uppercase hex HMAC over the timestamp and
// the case-folded original address.
func signature(secret []byte, ts, domain, localPart string) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(strings.ToLower(domain)))
	mac.Write([]byte(strings.ToLower(localPart)))
	sum := mac.Sum(nil)
	return strings.ToUpper(hex.EncodeToString(sum)[:hashLength])
}

func encodeTimestamp(now time.Time) string {
	day := int(now.Unix()/86400) % timestampSlots
	return string(timestampBase[day>>5]) + string(timestampBase[day&0x1f])
}

func checkTimestamp(ts string, maxAge time.Duration, now time.Time) error {
	high := strings.IndexByte(timestampBase, ts[0])
	low := strings.IndexByte(timestampBase, ts[1])
	if high < 0 || low < 0 {
		return fmt.Errorf("%w: invalid timestamp characters", consts.ErrSRSMalformed)
	}
	stamped := high<<5 | low

	today := int(now.Unix() / 86400)
	// The day counter wraps at timestampSlots; age is the smallest
	// non-negative distance going backwards from today.
	age := ((today - stamped) % timestampSlots + timestampSlots) % timestampSlots

	maxDays := int(maxAge / (24 * time.Hour))
	if maxDays < 1 {
		maxDays = 1
	}
	if age > maxDays {
		return consts.ErrSRSExpired
	}
	return nil
}
