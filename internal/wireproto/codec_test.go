package wireproto

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const testMagic = 0x40cf030a

func TestWriteMessageAndReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ping := wire.NewMsgPing(4242)
	require.NoError(t, WriteMessage(&buf, testMagic, ping))

	r := NewReader(&buf, testMagic, nil)
	frame, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.CmdPing, frame.Command)

	got, ok := frame.Msg.(*wire.MsgPing)
	require.True(t, ok)
	require.Equal(t, ping.Nonce, got.Nonce)
}

func TestReadFrameResyncsPastGarbageBeforeMagic(t *testing.T) {
	var framed bytes.Buffer
	require.NoError(t, WriteMessage(&framed, testMagic, wire.NewMsgPing(1)))

	var buf bytes.Buffer
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	buf.Write(framed.Bytes())

	var reasons []string
	r := NewReader(&buf, testMagic, func(reason string) { reasons = append(reasons, reason) })

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.CmdPing, frame.Command)
	require.NotEmpty(t, reasons)
}

func TestReadFrameResyncsPastChecksumMismatch(t *testing.T) {
	var good bytes.Buffer
	require.NoError(t, WriteMessage(&good, testMagic, wire.NewMsgPing(7)))
	corrupted := good.Bytes()
	corrupted[len(corrupted)-1] ^= 0xff // corrupt the last payload byte so the checksum no longer matches

	var buf bytes.Buffer
	buf.Write(corrupted)

	var second bytes.Buffer
	require.NoError(t, WriteMessage(&second, testMagic, wire.NewMsgPing(8)))
	buf.Write(second.Bytes())

	var reasons []string
	r := NewReader(&buf, testMagic, func(reason string) { reasons = append(reasons, reason) })
	frame, err := r.ReadFrame()
	require.NoError(t, err)
	got, ok := frame.Msg.(*wire.MsgPing)
	require.True(t, ok)
	require.Equal(t, uint64(8), got.Nonce)
	require.NotEmpty(t, reasons)
}

func TestReadFrameErrorsWhenMagicNeverMatches(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, testMagic, wire.NewMsgPing(1)))

	r := NewReader(&buf, 0x11223344, nil)
	_, err := r.ReadFrame()
	require.Error(t, err, "a stream with no frame under the configured magic must eventually hit EOF")
}

func TestRawMessageCommandAndEncode(t *testing.T) {
	raw := &RawMessage{CommandName: wire.CmdBlock, Payload: []byte{1, 2, 3}}
	require.Equal(t, wire.CmdBlock, raw.Command())

	var buf bytes.Buffer
	require.NoError(t, raw.BtcEncode(&buf, ProtocolVersion, wire.LatestEncoding))
	require.Equal(t, []byte{1, 2, 3}, buf.Bytes())
}
