// Package codec provides pure, side-effect-free decoders for the wire
// primitives used throughout the pipeline: base58 public keys, base64 log
// payloads, little-endian integer reads and 8-byte instruction
// discriminators. No function in this package panics; malformed input is
// always reported as a DecodeError carrying the offset and expected length.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// PubkeySize is the length in bytes of a Solana public key.
const PubkeySize = 32

// DiscriminatorSize is the length in bytes of an Anchor-style discriminator.
const DiscriminatorSize = 8

// DecodeError reports a decode failure at a specific byte offset.
type DecodeError struct {
	Offset   int
	Expected int
	Got      int
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s at offset %d: expected %d bytes, got %d", e.Reason, e.Offset, e.Expected, e.Got)
}

func newShortBuffer(offset, expected, got int) *DecodeError {
	return &DecodeError{Offset: offset, Expected: expected, Got: got, Reason: "short buffer"}
}

// DecodeBase58PublicKey decodes a fixed 32-byte public key from its base58
// text representation.
func DecodeBase58PublicKey(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(s)
	if err != nil {
		return out, &DecodeError{Offset: 0, Expected: PubkeySize, Got: 0, Reason: fmt.Sprintf("invalid base58 pubkey (%v)", err)}
	}
	if len(raw) != PubkeySize {
		return out, newShortBuffer(0, PubkeySize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// EncodeBase58PublicKey is the inverse of DecodeBase58PublicKey.
func EncodeBase58PublicKey(key [32]byte) string {
	return base58.Encode(key[:])
}

// DecodeBase64 decodes a base64-encoded log payload, e.g. the body of a
// "Program data: " log line.
func DecodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		offset := 0
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			offset = int(corrupt)
		}
		return nil, &DecodeError{Offset: offset, Expected: 0, Got: len(s), Reason: fmt.Sprintf("invalid base64 payload (%v)", err)}
	}
	return raw, nil
}

// ReadUint64LE reads a little-endian uint64 at offset from buf.
func ReadUint64LE(buf []byte, offset int) (uint64, error) {
	if offset < 0 || offset+8 > len(buf) {
		return 0, newShortBuffer(offset, 8, len(buf)-offset)
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[offset+i]) << (8 * i)
	}
	return v, nil
}

// ReadUint16LE reads a little-endian uint16 at offset from buf.
func ReadUint16LE(buf []byte, offset int) (uint16, error) {
	if offset < 0 || offset+2 > len(buf) {
		return 0, newShortBuffer(offset, 2, len(buf)-offset)
	}
	return uint16(buf[offset]) | uint16(buf[offset+1])<<8, nil
}

// ReadUint8 reads a single byte at offset from buf.
func ReadUint8(buf []byte, offset int) (uint8, error) {
	if offset < 0 || offset >= len(buf) {
		return 0, newShortBuffer(offset, 1, len(buf)-offset)
	}
	return buf[offset], nil
}

// ReadPublicKey reads a 32-byte public key at offset from buf, returning its
// base58 text form.
func ReadPublicKey(buf []byte, offset int) (string, error) {
	if offset < 0 || offset+PubkeySize > len(buf) {
		return "", newShortBuffer(offset, PubkeySize, len(buf)-offset)
	}
	var key [32]byte
	copy(key[:], buf[offset:offset+PubkeySize])
	return EncodeBase58PublicKey(key), nil
}

// ReadDiscriminator reads the leading 8-byte discriminator at offset.
func ReadDiscriminator(buf []byte, offset int) ([DiscriminatorSize]byte, error) {
	var out [DiscriminatorSize]byte
	if offset < 0 || offset+DiscriminatorSize > len(buf) {
		return out, newShortBuffer(offset, DiscriminatorSize, len(buf)-offset)
	}
	copy(out[:], buf[offset:offset+DiscriminatorSize])
	return out, nil
}

// MatchDiscriminator reports whether the leading 8 bytes of buf equal want.
func MatchDiscriminator(buf []byte, want [DiscriminatorSize]byte) bool {
	if len(buf) < DiscriminatorSize {
		return false
	}
	for i := 0; i < DiscriminatorSize; i++ {
		if buf[i] != want[i] {
			return false
		}
	}
	return true
}
