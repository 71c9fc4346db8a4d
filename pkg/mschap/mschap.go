// Package mschap implements the MS-CHAPv2 server-side verification
// primitives from RFC 2759. The algorithm is fixed by the protocol and
// must be bit-exact: legacy MD4/DES/SHA-1 constructions throughout.
package mschap

import (
	"bytes"
	"crypto/des"
	"crypto/sha1"
	"fmt"

	"golang.org/x/crypto/md4"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Response-blob layout (RFC 2548 MS-CHAP2-Response):
// ident(1) flags(1) peer-challenge(16) reserved(8) nt-response(24).
const (
	responseLen        = 50
	peerChallengeStart = 2
	peerChallengeEnd   = 18
	ntResponseStart    = 26
	ntResponseEnd      = 50
)

var (
	magic1 = []byte("Magic server to client signing constant")
	magic2 = []byte("Pad to make it do more than one iteration")
)

// ChallengeHash derives the 8-byte challenge from the peer challenge,
// the authenticator challenge, and the user name (RFC 2759 §8.2).
func ChallengeHash(peerChallenge, authChallenge []byte, username string) []byte {
	h := sha1.New()
	h.Write(peerChallenge)
	h.Write(authChallenge)
	h.Write([]byte(username))
	return h.Sum(nil)[:8]
}

// NTPasswordHash computes MD4 over the password re-encoded as UTF-16LE
// (RFC 2759 §8.3).
func NTPasswordHash(password string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	encoded, _, err := transform.String(enc.NewEncoder(), password)
	if err != nil {
		return nil, fmt.Errorf("encode password: %w", err)
	}
	h := md4.New()
	h.Write([]byte(encoded))
	return h.Sum(nil), nil
}

// NTResponse computes the 24-byte challenge response (RFC 2759 §8.1).
func NTResponse(authChallenge, peerChallenge []byte, username, password string) ([]byte, error) {
	challenge := ChallengeHash(peerChallenge, authChallenge, username)
	hash, err := NTPasswordHash(password)
	if err != nil {
		return nil, err
	}
	return challengeResponse(challenge, hash), nil
}

// challengeResponse pads the password hash to 21 bytes and DES-encrypts
// the challenge under three derived keys (RFC 2759 §8.5).
func challengeResponse(challenge, passwordHash []byte) []byte {
	var padded [21]byte
	copy(padded[:], passwordHash)

	response := make([]byte, 24)
	for i := 0; i < 3; i++ {
		block, err := des.NewCipher(expandDESKey(padded[i*7 : (i+1)*7]))
		if err != nil {
			// Only reachable with a key of the wrong size.
			continue
		}
		block.Encrypt(response[i*8:(i+1)*8], challenge)
	}
	return response
}

// expandDESKey turns a 7-byte key into an 8-byte DES key by inserting a
// parity bit after every 7 bits.
func expandDESKey(key []byte) []byte {
	out := make([]byte, 8)
	out[0] = key[0]
	out[1] = key[0]<<7 | key[1]>>1
	out[2] = key[1]<<6 | key[2]>>2
	out[3] = key[2]<<5 | key[3]>>3
	out[4] = key[3]<<4 | key[4]>>4
	out[5] = key[4]<<3 | key[5]>>5
	out[6] = key[5]<<2 | key[6]>>6
	out[7] = key[6] << 1
	for i, b := range out {
		parity := byte(0)
		for j := 1; j < 8; j++ {
			parity ^= b >> j & 1
		}
		out[i] = b&0xFE | parity^1
	}
	return out
}

// AuthenticatorResponse computes the "S=<40 hex>" acknowledgment the
// server returns on success (RFC 2759 §8.7).
func AuthenticatorResponse(password string, ntResponse, peerChallenge, authChallenge []byte, username string) (string, error) {
	hash, err := NTPasswordHash(password)
	if err != nil {
		return "", err
	}
	hashHash := md4.New()
	hashHash.Write(hash)

	h := sha1.New()
	h.Write(hashHash.Sum(nil))
	h.Write(ntResponse)
	h.Write(magic1)
	digest := h.Sum(nil)

	challenge := ChallengeHash(peerChallenge, authChallenge, username)

	h2 := sha1.New()
	h2.Write(digest)
	h2.Write(challenge)
	h2.Write(magic2)
	return fmt.Sprintf("S=%X", h2.Sum(nil)), nil
}

// Verify checks an MS-CHAP2-Response blob against the stored password.
// On success it returns the MS-CHAP2-Success value: the response ident
// byte followed by the authenticator-response string. Malformed input
// and hash mismatch both report ok=false; no error escapes to the
// packet handler.
func Verify(username, password string, authChallenge, response []byte) (ok bool, success []byte) {
	if len(response) < responseLen || len(authChallenge) < 8 {
		return false, nil
	}

	peerChallenge := response[peerChallengeStart:peerChallengeEnd]
	ntResponse := response[ntResponseStart:ntResponseEnd]

	expected, err := NTResponse(authChallenge, peerChallenge, username, password)
	if err != nil {
		return false, nil
	}
	if !bytes.Equal(ntResponse, expected) {
		return false, nil
	}

	authResp, err := AuthenticatorResponse(password, ntResponse, peerChallenge, authChallenge, username)
	if err != nil {
		return false, nil
	}

	ident := response[0]
	return true, append([]byte{ident}, authResp...)
}
