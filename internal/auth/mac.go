package auth

import (
	"crypto/aes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aead/cmac"

	"github.com/bigbag/autoota-flasher/internal/protocol"
)

// KeySize is the length of the pre-shared AES-128 key.
const KeySize = 16

// Derivation labels
var (
	labelHost    = []byte("host")
	labelDevice  = []byte("device")
	labelSession = []byte("session")
)

// ParseKey decodes a key given as 32 hex characters.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != KeySize*2 {
		return nil, fmt.Errorf("key must be %d hex characters, got %d: %w", KeySize*2, len(s), ErrInvalidKey)
	}

	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return key, nil
}

// mac computes AES-CMAC over the concatenation of parts.
func mac(key []byte, parts ...[]byte) ([protocol.TagSize]byte, error) {
	var tag [protocol.TagSize]byte

	block, err := aes.NewCipher(key)
	if err != nil {
		return tag, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	h, err := cmac.New(block)
	if err != nil {
		return tag, err
	}

	for _, p := range parts {
		h.Write(p)
	}
	copy(tag[:], h.Sum(nil))

	return tag, nil
}

// HostProof is the value the host presents to answer a challenge.
func HostProof(key, deviceNonce, hostNonce []byte) ([protocol.TagSize]byte, error) {
	return mac(key, labelHost, deviceNonce, hostNonce)
}

// DeviceProof is the value the device returns to prove it holds the key too.
func DeviceProof(key, hostNonce, deviceNonce []byte) ([protocol.TagSize]byte, error) {
	return mac(key, labelDevice, hostNonce, deviceNonce)
}

// SessionKey derives the key that signs commands for one session.
func SessionKey(key, deviceNonce, hostNonce []byte) ([protocol.TagSize]byte, error) {
	return mac(key, labelSession, deviceNonce, hostNonce)
}

// CommandTag computes the tag over opcode, payload and counter.
func CommandTag(sessionKey []byte, cmd byte, data []byte, counter uint32) ([protocol.TagSize]byte, error) {
	var c [4]byte
	binary.LittleEndian.PutUint32(c[:], counter)
	return mac(sessionKey, []byte{cmd}, data, c[:])
}

// zero wipes key material.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
