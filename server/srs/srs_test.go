package srs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tern/consts"
)

var testSecret = []byte("test-srs-secret")

func TestForwardReverseRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	encoded := Forward("alice", "example.org", testSecret, now)
	assert.True(t, IsEncoded(encoded))

	reversed, err := Reverse(encoded, testSecret, 21*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", reversed.Address())
}

func TestReverseRejectsForgedSignature(t *testing.T) {
	now := time.Now()
	encoded := Forward("alice", "example.org", testSecret, now)

	_, err := Reverse(encoded, []byte("other-secret"), 21*24*time.Hour, now)
	assert.ErrorIs(t, err, consts.ErrSRSInvalidHash)

	// Tampering with the embedded address breaks the signature too.
	tampered := encoded[:len(encoded)-len("alice")] + "mallory"
	_, err = Reverse(tampered, testSecret, 21*24*time.Hour, now)
	assert.ErrorIs(t, err, consts.ErrSRSInvalidHash)
}

func TestReverseRejectsExpiredTimestamp(t *testing.T) {
	stamped := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	encoded := Forward("alice", "example.org", testSecret, stamped)

	_, err := Reverse(encoded, testSecret, 21*24*time.Hour, stamped.Add(30*24*time.Hour))
	assert.ErrorIs(t, err, consts.ErrSRSExpired)

	// Within the window it still verifies.
	_, err = Reverse(encoded, testSecret, 21*24*time.Hour, stamped.Add(20*24*time.Hour))
	assert.NoError(t, err)
}

func TestReverseRejectsMalformed(t *testing.T) {
	for _, encoded := range []string{
		"alice",
		"SRS0",
		"SRS0=",
		"SRS0=ABCD",
		"SRS0=ABCD=KB",
		"SRS0=ABCD=KB=example.org",
	} {
		_, err := Reverse(encoded, testSecret, 21*24*time.Hour, time.Now())
		assert.ErrorIs(t, err, consts.ErrSRSMalformed, "encoded %q", encoded)
	}
}

func TestReverseDomainToASCII(t *testing.T) {
	now := time.Now()
	encoded := Forward("alice", "bücher.example", testSecret, now)

	reversed, err := Reverse(encoded, testSecret, 21*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.example", reversed.Domain)
}

func TestIsEncoded(t *testing.T) {
	assert.True(t, IsEncoded("SRS0=ABCD=KB=example.org=alice"))
	assert.True(t, IsEncoded("srs0-abcd=kb=example.org=alice"))
	assert.False(t, IsEncoded("alice"))
	assert.False(t, IsEncoded("SRS0"))
	assert.False(t, IsEncoded("SRS0_no"))
}
