package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFrame(body []byte) *Frame {
	f := &Frame{
		Type:           MakeType(OrderMessage, ContentText),
		SenderID:       1001,
		IdentityID:     -7,
		ConversationID: 42,
		MessageID:      9,
		Timestamp:      1700000000123,
		Body:           body,
	}
	return f.Seal()
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"text body", []byte("hello")},
		{"empty body", nil},
		{"binary body", []byte{0x00, 0xBA, 0xBE, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleFrame(tt.body)

			out, err := Decode(Encode(in))
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	buf := Encode(sampleFrame([]byte("abc")))

	require.Len(t, buf, HeaderSize+3)
	assert.Equal(t, Magic, binary.BigEndian.Uint16(buf[0:]))
	assert.Equal(t, Version, binary.BigEndian.Uint16(buf[2:]))
	assert.Equal(t, uint32(4<<16|1), binary.BigEndian.Uint32(buf[4:]))
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(buf[24:]))
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(buf[48:]))
	assert.Equal(t, "abc", string(buf[HeaderSize:]))
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := Encode(sampleFrame([]byte("x")))
	buf[0], buf[1] = 0xCA, 0xFE

	f, err := Decode(buf)
	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrBadMagic)

	// a truncated buffer with a wrong magic still reports the magic first
	_, err = Decode([]byte{0x00, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeLengthMismatch(t *testing.T) {
	buf := Encode(sampleFrame([]byte("hello")))

	_, err := Decode(buf[:len(buf)-2])
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = Decode(buf[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestTypeHelpers(t *testing.T) {
	f := New(OrderAck, ContentFailed, nil)

	assert.Equal(t, OrderAck, f.Order())
	assert.Equal(t, ContentFailed, f.Content())
	assert.Zero(t, f.Length)
	assert.NotZero(t, f.Timestamp)

	assert.Equal(t, "ack", OrderName(f.Order()))
	assert.Equal(t, "heartbeat", OrderName(OrderHeartbeat))
	assert.Equal(t, "unknown", OrderName(9<<16))
}

func TestAckAndFailureEchoRoutingFields(t *testing.T) {
	req := sampleFrame([]byte("hi"))

	ack := NewAck(req)
	assert.Equal(t, MakeType(OrderAck, ContentText), ack.Type)
	assert.Equal(t, req.ConversationID, ack.ConversationID)
	assert.Equal(t, req.MessageID, ack.MessageID)
	assert.Empty(t, ack.Body)

	fail := NewFailure(req, "queue full")
	assert.Equal(t, ContentFailed, fail.Content())
	assert.Equal(t, uint32(len("queue full")), fail.Length)
}

func TestReadFrameSequence(t *testing.T) {
	var stream bytes.Buffer
	frames := []*Frame{sampleFrame([]byte("one")), sampleFrame(nil), sampleFrame([]byte("three"))}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&stream, f))
	}

	// one byte at a time: partial frames must never surface
	r := bufio.NewReaderSize(iotestOneByte{&stream}, 16)
	for _, want := range frames {
		got, err := ReadFrame(r, DefaultMaxBody)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(r, DefaultMaxBody)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameLimits(t *testing.T) {
	big := Encode(sampleFrame(make([]byte, 128)))

	_, err := ReadFrame(bytes.NewReader(big), 64)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	bad := append([]byte(nil), big...)
	bad[1] = 0x00
	_, err = ReadFrame(bytes.NewReader(bad), 0)
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = ReadFrame(bytes.NewReader(big[:HeaderSize+10]), 0)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

type iotestOneByte struct{ r io.Reader }

func (o iotestOneByte) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}
