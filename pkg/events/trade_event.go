// Package events decodes the fixed-layout bonding-curve trade event emitted
// in "Program data" log lines.
package events

import (
	"fmt"

	"github.com/solgrad/ingestor/pkg/codec"
)

// TradeEventSize is the exact byte length of a bonding-curve trade event.
// It doubles as the admission gate: the discriminator itself is never
// checked, because the length match is cheap and sufficiently selective.
const TradeEventSize = 225

// Layout offsets, little-endian throughout.
const (
	offDiscriminator         = 0
	offMint                  = offDiscriminator + codec.DiscriminatorSize // 8
	offSolAmount             = offMint + codec.PubkeySize                // 40
	offTokenAmount           = offSolAmount + 8                          // 48
	offIsBuy                 = offTokenAmount + 8                       // 56
	offUser                  = offIsBuy + 1                              // 57
	offVirtualTokenReserves  = offUser + codec.PubkeySize                // 89
	offVirtualSolReserves    = offVirtualTokenReserves + 8               // 97
	offRealTokenReserves     = offVirtualSolReserves + 8                 // 105
	offRealSolReserves       = offRealTokenReserves + 8                  // 113
)

// TradeEvent is the decoded bonding-curve trade payload. All four reserve
// fields are post-trade snapshots, not deltas.
type TradeEvent struct {
	Mint        string
	SolAmount   uint64
	TokenAmount uint64
	IsBuy       bool
	User        string

	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
}

// IsBuyRangeError is returned when the is_buy byte is neither 0 nor 1.
type IsBuyRangeError struct {
	Got byte
}

func (e *IsBuyRangeError) Error() string {
	return fmt.Sprintf("trade event: is_buy out of range: got %d, want 0 or 1", e.Got)
}

// Decode decodes buf as a bonding-curve trade event. It returns
// (nil, nil) when buf is not exactly TradeEventSize bytes — the length
// gate exists precisely to let callers skip unrelated program-data frames
// cheaply, so a length mismatch is not itself an error.
func Decode(buf []byte) (*TradeEvent, error) {
	if len(buf) != TradeEventSize {
		return nil, nil
	}

	mint, err := codec.ReadPublicKey(buf, offMint)
	if err != nil {
		return nil, err
	}
	solAmount, err := codec.ReadUint64LE(buf, offSolAmount)
	if err != nil {
		return nil, err
	}
	tokenAmount, err := codec.ReadUint64LE(buf, offTokenAmount)
	if err != nil {
		return nil, err
	}
	isBuyByte, err := codec.ReadUint8(buf, offIsBuy)
	if err != nil {
		return nil, err
	}
	var isBuy bool
	switch isBuyByte {
	case 1:
		isBuy = true
	case 0:
		isBuy = false
	default:
		return nil, &IsBuyRangeError{Got: isBuyByte}
	}
	user, err := codec.ReadPublicKey(buf, offUser)
	if err != nil {
		return nil, err
	}
	virtualTokenReserves, err := codec.ReadUint64LE(buf, offVirtualTokenReserves)
	if err != nil {
		return nil, err
	}
	virtualSolReserves, err := codec.ReadUint64LE(buf, offVirtualSolReserves)
	if err != nil {
		return nil, err
	}
	realTokenReserves, err := codec.ReadUint64LE(buf, offRealTokenReserves)
	if err != nil {
		return nil, err
	}
	realSolReserves, err := codec.ReadUint64LE(buf, offRealSolReserves)
	if err != nil {
		return nil, err
	}

	return &TradeEvent{
		Mint:                 mint,
		SolAmount:            solAmount,
		TokenAmount:          tokenAmount,
		IsBuy:                isBuy,
		User:                 user,
		VirtualTokenReserves: virtualTokenReserves,
		VirtualSolReserves:   virtualSolReserves,
		RealTokenReserves:    realTokenReserves,
		RealSolReserves:      realSolReserves,
	}, nil
}

// Encode is the inverse of Decode, used by tests to exercise the round-trip
// and by integration fakes that need to script a "Program data" log line.
func Encode(ev *TradeEvent) ([]byte, error) {
	buf := make([]byte, TradeEventSize)
	// discriminator bytes are left zeroed: unchecked on decode, so any
	// fixed value round-trips.
	mintKey, err := codec.DecodeBase58PublicKey(ev.Mint)
	if err != nil {
		return nil, fmt.Errorf("encode trade event: %w", err)
	}
	copy(buf[offMint:], mintKey[:])
	putUint64LE(buf, offSolAmount, ev.SolAmount)
	putUint64LE(buf, offTokenAmount, ev.TokenAmount)
	if ev.IsBuy {
		buf[offIsBuy] = 1
	} else {
		buf[offIsBuy] = 0
	}
	userKey, err := codec.DecodeBase58PublicKey(ev.User)
	if err != nil {
		return nil, fmt.Errorf("encode trade event: %w", err)
	}
	copy(buf[offUser:], userKey[:])
	putUint64LE(buf, offVirtualTokenReserves, ev.VirtualTokenReserves)
	putUint64LE(buf, offVirtualSolReserves, ev.VirtualSolReserves)
	putUint64LE(buf, offRealTokenReserves, ev.RealTokenReserves)
	putUint64LE(buf, offRealSolReserves, ev.RealSolReserves)
	return buf, nil
}

func putUint64LE(buf []byte, offset int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[offset+i] = byte(v >> (8 * i))
	}
}
