package vsa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"layeh.com/radius"
)

func TestBuildLayout(t *testing.T) {
	attr := Build(VendorMikrotik, MikrotikRateLimit, []byte("5000k/20000k"))
	require.Len(t, attr, 6+12)
	assert.Equal(t, []byte{0x00, 0x00, 0x3a, 0x8c}, []byte(attr[0:4])) // 14988
	assert.Equal(t, MikrotikRateLimit, attr[4])
	assert.Equal(t, byte(14), attr[5])
	assert.Equal(t, "5000k/20000k", string(attr[6:]))
}

func TestAddLookupRoundTrip(t *testing.T) {
	p := radius.New(radius.CodeAccessRequest, []byte("secret"))
	challenge := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	Add(p, VendorMicrosoft, MSCHAPChallenge, challenge)
	Add(p, VendorMikrotik, MikrotikRateLimit, []byte("1000k/1000k"))

	assert.Equal(t, challenge, Lookup(p, VendorMicrosoft, MSCHAPChallenge))
	assert.Equal(t, []byte("1000k/1000k"), Lookup(p, VendorMikrotik, MikrotikRateLimit))
	assert.Nil(t, Lookup(p, VendorMicrosoft, MSCHAP2Response))
}

func TestLookupIgnoresTruncated(t *testing.T) {
	p := radius.New(radius.CodeAccessRequest, []byte("secret"))
	p.Add(26, radius.Attribute{0x00, 0x00, 0x01, 0x37, MSCHAPChallenge}) // missing sub-length
	assert.Nil(t, Lookup(p, VendorMicrosoft, MSCHAPChallenge))
}
