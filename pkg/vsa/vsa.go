// Package vsa encodes and decodes RADIUS vendor-specific attributes.
// Each sub-attribute is laid out as 4-byte vendor id, 1-byte sub-type,
// 1-byte sub-length, value.
package vsa

import (
	"encoding/binary"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

// Vendor ids and sub-types used by the AAA engine.
const (
	VendorMicrosoft uint32 = 311
	VendorMikrotik  uint32 = 14988

	MSCHAPChallenge byte = 11
	MSCHAP2Response byte = 25
	MSCHAP2Success  byte = 26

	MikrotikRateLimit byte = 8
)

// Build encodes a single vendor sub-attribute.
func Build(vendorID uint32, subType byte, value []byte) radius.Attribute {
	attr := make(radius.Attribute, 6+len(value))
	binary.BigEndian.PutUint32(attr[0:4], vendorID)
	attr[4] = subType
	attr[5] = byte(2 + len(value))
	copy(attr[6:], value)
	return attr
}

// Add appends a vendor sub-attribute to a packet.
func Add(p *radius.Packet, vendorID uint32, subType byte, value []byte) {
	p.Add(rfc2865.VendorSpecific_Type, Build(vendorID, subType, value))
}

// Lookup returns the value of the first matching vendor sub-attribute,
// or nil when the packet does not carry one.
func Lookup(p *radius.Packet, vendorID uint32, subType byte) []byte {
	for _, avp := range p.Attributes {
		if avp.Type != rfc2865.VendorSpecific_Type {
			continue
		}
		attr := avp.Attribute
		if len(attr) < 6 {
			continue
		}
		if binary.BigEndian.Uint32(attr[0:4]) != vendorID {
			continue
		}
		if attr[4] != subType {
			continue
		}
		subLen := int(attr[5])
		if subLen < 2 || 4+subLen > len(attr) {
			continue
		}
		return attr[6 : 4+subLen]
	}
	return nil
}
