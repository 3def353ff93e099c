package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadUint64LERoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	want := uint64(0x1122334455667788)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(want >> (8 * i))
	}
	got, err := ReadUint64LE(buf, 4)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReadUint64LEShortBuffer(t *testing.T) {
	_, err := ReadUint64LE(make([]byte, 4), 0)
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, 8, decErr.Expected)
}

func TestPublicKeyRoundTrip(t *testing.T) {
	addr := "11111111111111111111111111111111"
	key, err := DecodeBase58PublicKey(addr)
	require.NoError(t, err)
	require.Equal(t, addr, EncodeBase58PublicKey(key))
}

func TestDecodeBase58PublicKeyWrongLength(t *testing.T) {
	_, err := DecodeBase58PublicKey("abc")
	require.Error(t, err)
}

func TestMatchDiscriminator(t *testing.T) {
	want := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	buf := append([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0xAA)
	require.True(t, MatchDiscriminator(buf, want))
	buf[0] = 0
	require.False(t, MatchDiscriminator(buf, want))
	require.False(t, MatchDiscriminator(buf[:4], want))
}

func TestDecodeBase64(t *testing.T) {
	raw, err := DecodeBase64("aGVsbG8=")
	require.NoError(t, err)
	require.Equal(t, "hello", string(raw))

	_, err = DecodeBase64("not base64!!")
	require.Error(t, err)
}
