package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	addr, err := NewAddress("User@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", addr.FullAddress())
	assert.Equal(t, "user", addr.LocalPart())
	assert.Equal(t, "example.com", addr.Domain())
	assert.Empty(t, addr.Detail())
	assert.False(t, addr.IsSRS())
}

func TestNewAddressIdempotent(t *testing.T) {
	first, err := NewAddress("  Mixed.Case+Tag@EXAMPLE.org ")
	require.NoError(t, err)

	second, err := NewAddress(first.FullAddress())
	require.NoError(t, err)
	assert.Equal(t, first.FullAddress(), second.FullAddress())
}

func TestNewAddressDetail(t *testing.T) {
	addr, err := NewAddress("user+folder@example.com")
	require.NoError(t, err)
	assert.Equal(t, "folder", addr.Detail())
	assert.Equal(t, "user", addr.BaseLocalPart())
	assert.Equal(t, "user@example.com", addr.BaseAddress())
	assert.Equal(t, "user+folder@example.com", addr.FullAddress())
}

func TestNewAddressRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"no-at-sign",
		"@example.com",
		"user@",
		"user name@example.com",
		"user@bad domain.com",
	} {
		_, err := NewAddress(raw)
		assert.Error(t, err, "address %q should be rejected", raw)
	}
}

func TestNewAddressUnicodeDomain(t *testing.T) {
	addr, err := NewAddress("user@xn--bcher-kva.example")
	require.NoError(t, err)
	assert.Equal(t, "bücher.example", addr.Domain())
	assert.Equal(t, "xn--bcher-kva.example", addr.ASCIIDomain())
}

func TestNewAddressSRSDetection(t *testing.T) {
	addr, err := NewAddress("srs0=a1b2=AB=example.org=alice@forwarder.example")
	require.NoError(t, err)
	assert.True(t, addr.IsSRS())
	// Prefix and token pair repaired, embedded address untouched.
	assert.Equal(t, "SRS0=A1B2=AB=example.org=alice", addr.LocalPart())
}

func TestRepairSRSCase(t *testing.T) {
	repaired := RepairSRSCase("srs0=9f3c=kb=example.org=bob")
	assert.Equal(t, "SRS0=9F3C=KB=example.org=bob", repaired)

	// Already repaired input stays stable.
	assert.Equal(t, repaired, RepairSRSCase(repaired))

	// Non-SRS local parts pass through untouched.
	assert.Equal(t, "plainuser", RepairSRSCase("plainuser"))
}
