package codec

import (
	"encoding/binary"
	"errors"
)

// Frequency is the message-ID frequency band, which determines how many
// bytes the variable-width ID encoding occupies on the wire.
type Frequency uint8

const (
	High Frequency = iota
	Medium
	Low
	Fixed
)

func (f Frequency) String() string {
	switch f {
	case High:
		return "High"
	case Medium:
		return "Medium"
	case Low:
		return "Low"
	case Fixed:
		return "Fixed"
	default:
		return "Unknown"
	}
}

// MsgID identifies a message template: its frequency band plus the numeric
// ID within that band.
type MsgID struct {
	Frequency Frequency
	ID        uint32
}

// ErrTruncatedMsgID is returned when the datagram ends inside the
// variable-width message-ID encoding.
var ErrTruncatedMsgID = errors.New("codec: truncated message ID")

// DecodeMsgID parses the variable-width message-ID encoding starting at
// buf[0] and returns the MsgID plus the number of bytes consumed.
func DecodeMsgID(buf []byte) (MsgID, int, error) {
	if len(buf) < 1 {
		return MsgID{}, 0, ErrTruncatedMsgID
	}

	if buf[0] != 0xFF {
		return MsgID{Frequency: High, ID: uint32(buf[0])}, 1, nil
	}

	if len(buf) < 2 {
		return MsgID{}, 0, ErrTruncatedMsgID
	}
	if buf[1] != 0xFF {
		return MsgID{Frequency: Medium, ID: uint32(buf[1])}, 2, nil
	}

	if len(buf) < 4 {
		return MsgID{}, 0, ErrTruncatedMsgID
	}
	if buf[2] != 0xFF {
		id := binary.BigEndian.Uint16(buf[2:4])
		return MsgID{Frequency: Low, ID: uint32(id)}, 4, nil
	}

	if len(buf) < 4 {
		return MsgID{}, 0, ErrTruncatedMsgID
	}
	return MsgID{Frequency: Fixed, ID: uint32(buf[3])}, 4, nil
}

// EncodeMsgID appends the variable-width encoding of id to dst and returns
// the result.
func EncodeMsgID(dst []byte, id MsgID) []byte {
	switch id.Frequency {
	case High:
		return append(dst, byte(id.ID))
	case Medium:
		return append(dst, 0xFF, byte(id.ID))
	case Low:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(id.ID))
		return append(append(dst, 0xFF, 0xFF), buf...)
	case Fixed:
		return append(dst, 0xFF, 0xFF, 0xFF, byte(id.ID))
	default:
		return dst
	}
}
