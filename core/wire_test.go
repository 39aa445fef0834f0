package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{Type: PacketSinglePacket, MessageID: 42, Payload: []byte("hello")}
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestReadFrameNonSinglePacketHasNoMessageID(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: PacketHeartbeat}))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, PacketHeartbeat, got.Type)
	require.Zero(t, got.MessageID)
	require.Empty(t, got.Payload)
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: 99}))

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	// one byte past maxFrameLen
	n := uint32(maxFrameLen + 1)
	lenBuf[0] = byte(n)
	lenBuf[1] = byte(n >> 8)
	lenBuf[2] = byte(n >> 16)
	lenBuf[3] = byte(n >> 24)
	buf.Write(lenBuf)

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadFrameRejectsTruncatedSinglePacketHeader(t *testing.T) {
	// A PacketSinglePacket body with only 2 bytes following the type,
	// short of the 4-byte message id ReadFrame expects.
	body := []byte{byte(PacketSinglePacket), 0x01, 0x02}
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	binaryPutLen(lenBuf, uint32(len(body)))
	buf.Write(lenBuf)
	buf.Write(body)

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func binaryPutLen(buf []byte, n uint32) {
	buf[0] = byte(n)
	buf[1] = byte(n >> 8)
	buf[2] = byte(n >> 16)
	buf[3] = byte(n >> 24)
}

func TestPacketTypeString(t *testing.T) {
	require.Equal(t, "SinglePacket", PacketSinglePacket.String())
	require.Contains(t, PacketType(200).String(), "PacketType(200)")
}
