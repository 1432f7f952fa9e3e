// Package protocol implements the gateway's binary wire format.
//
// A frame is a fixed 52-byte big-endian header followed by the body:
//
//	magic(2) version(2) type(4) sender(8) identity(8) conversation(8)
//	message(8) timestamp(8) length(4) body(length)
//
// The high 16 bits of type carry the order (category), the low 16 bits the
// content kind.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// Magic marks the start of every frame.
	Magic uint16 = 0xBABE
	// Version is the current protocol version.
	Version uint16 = 1
	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 52

	lengthOffset = 48
)

// Orders occupy the high 16 bits of the type field.
const (
	OrderSystem    uint32 = 1 << 16
	OrderAuth      uint32 = 2 << 16
	OrderSync      uint32 = 3 << 16
	OrderMessage   uint32 = 4 << 16
	OrderAck       uint32 = 5 << 16
	OrderHeartbeat uint32 = 6 << 16
)

// Content kinds occupy the low 16 bits of the type field.
const (
	ContentEmpty    uint32 = 0
	ContentText     uint32 = 1
	ContentImage    uint32 = 2
	ContentAudio    uint32 = 3
	ContentVideo    uint32 = 4
	ContentFile     uint32 = 5
	ContentLocation uint32 = 6
	ContentAck      uint32 = 99
	ContentFailed   uint32 = 0xFFFF
)

var (
	ErrBadMagic       = errors.New("protocol: bad magic number")
	ErrShortHeader    = errors.New("protocol: short header")
	ErrLengthMismatch = errors.New("protocol: declared length exceeds available bytes")
	ErrFrameTooLarge  = errors.New("protocol: frame body too large")
)

// Frame is one protocol message unit.
type Frame struct {
	Version        uint16
	Type           uint32
	SenderID       int64
	IdentityID     int64
	ConversationID int64
	MessageID      int64
	Timestamp      int64
	Length         uint32
	Body           []byte
}

// OrderName returns a short label for an order, used in logs and metrics.
func OrderName(order uint32) string {
	switch order {
	case OrderSystem:
		return "system"
	case OrderAuth:
		return "auth"
	case OrderSync:
		return "sync"
	case OrderMessage:
		return "message"
	case OrderAck:
		return "ack"
	case OrderHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// MakeType combines an order and a content kind.
func MakeType(order, content uint32) uint32 {
	return order&0xFFFF0000 | content&0xFFFF
}

// Order returns the category half of the type field.
func (f *Frame) Order() uint32 {
	return f.Type & 0xFFFF0000
}

// Content returns the content-kind half of the type field.
func (f *Frame) Content() uint32 {
	return f.Type & 0xFFFF
}

// Seal sets Length from the body and fills in defaults. A sealed frame
// must not be mutated.
func (f *Frame) Seal() *Frame {
	if f.Version == 0 {
		f.Version = Version
	}
	if len(f.Body) == 0 {
		f.Body = nil
	}
	f.Length = uint32(len(f.Body))
	return f
}

// Clone returns a deep copy with its own body slice.
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Body != nil {
		c.Body = append([]byte(nil), f.Body...)
	}
	return &c
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{type=%#x sender=%d conv=%d msg=%d len=%d}",
		f.Type, f.SenderID, f.ConversationID, f.MessageID, len(f.Body))
}

// New builds a sealed frame stamped with the current time.
func New(order, content uint32, body []byte) *Frame {
	f := &Frame{
		Type:      MakeType(order, content),
		Timestamp: time.Now().UnixMilli(),
		Body:      body,
	}
	return f.Seal()
}

// NewAck acknowledges req, echoing its routing fields.
func NewAck(req *Frame) *Frame {
	return Reply(req, MakeType(OrderAck, req.Content()), nil)
}

// NewFailure reports a failed request back to its sender.
func NewFailure(req *Frame, reason string) *Frame {
	return Reply(req, MakeType(OrderAck, ContentFailed), []byte(reason))
}

// Reply builds a response of type typ that echoes req's routing fields.
func Reply(req *Frame, typ uint32, body []byte) *Frame {
	f := &Frame{
		Type:           typ,
		SenderID:       req.SenderID,
		IdentityID:     req.IdentityID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Timestamp:      time.Now().UnixMilli(),
		Body:           body,
	}
	return f.Seal()
}

// Encode serializes f. The length field is always written from the body.
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Body))
	putHeader(buf, f)
	copy(buf[HeaderSize:], f.Body)
	return buf
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (f *Frame) MarshalBinary() ([]byte, error) {
	return Encode(f), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *Frame) UnmarshalBinary(b []byte) error {
	d, err := Decode(b)
	if err != nil {
		return err
	}
	*f = *d
	return nil
}

func putHeader(buf []byte, f *Frame) {
	version := f.Version
	if version == 0 {
		version = Version
	}
	binary.BigEndian.PutUint16(buf[0:], Magic)
	binary.BigEndian.PutUint16(buf[2:], version)
	binary.BigEndian.PutUint32(buf[4:], f.Type)
	binary.BigEndian.PutUint64(buf[8:], uint64(f.SenderID))
	binary.BigEndian.PutUint64(buf[16:], uint64(f.IdentityID))
	binary.BigEndian.PutUint64(buf[24:], uint64(f.ConversationID))
	binary.BigEndian.PutUint64(buf[32:], uint64(f.MessageID))
	binary.BigEndian.PutUint64(buf[40:], uint64(f.Timestamp))
	binary.BigEndian.PutUint32(buf[lengthOffset:], uint32(len(f.Body)))
}

// Decode parses one complete frame from b. Trailing bytes beyond the
// declared body are ignored.
func Decode(b []byte) (*Frame, error) {
	if len(b) >= 2 && binary.BigEndian.Uint16(b) != Magic {
		return nil, ErrBadMagic
	}
	if len(b) < HeaderSize {
		return nil, ErrShortHeader
	}
	f := parseHeader(b)
	if uint64(f.Length) > uint64(len(b)-HeaderSize) {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrLengthMismatch, f.Length, len(b)-HeaderSize)
	}
	if f.Length > 0 {
		f.Body = make([]byte, f.Length)
		copy(f.Body, b[HeaderSize:HeaderSize+int(f.Length)])
	}
	return f, nil
}

func parseHeader(b []byte) *Frame {
	return &Frame{
		Version:        binary.BigEndian.Uint16(b[2:]),
		Type:           binary.BigEndian.Uint32(b[4:]),
		SenderID:       int64(binary.BigEndian.Uint64(b[8:])),
		IdentityID:     int64(binary.BigEndian.Uint64(b[16:])),
		ConversationID: int64(binary.BigEndian.Uint64(b[24:])),
		MessageID:      int64(binary.BigEndian.Uint64(b[32:])),
		Timestamp:      int64(binary.BigEndian.Uint64(b[40:])),
		Length:         binary.BigEndian.Uint32(b[lengthOffset:]),
	}
}
