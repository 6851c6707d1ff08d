package codec

import "errors"

// ErrTruncatedAckList names the case of a trailing appended-ack list that
// claims more acks than the datagram has room for. ParseDatagram does not
// return it; it reports such a datagram with no acks instead.
var ErrTruncatedAckList = errors.New("codec: truncated appended ack list")

// maxAppendedAcks bounds the trailing ack count byte (it is a single byte).
const maxAppendedAcks = 255

// Datagram is a fully parsed LLUDP packet: header, message ID, message body
// (already zero-decoded if it was compressed), and any piggybacked acks.
type Datagram struct {
	Header Header
	ID     MsgID
	Body   []byte
	Acks   []uint32
}

// ParseDatagram decodes a raw UDP payload into a Datagram. The message ID
// and the appended-ack tail sit outside the zerocoded span, so both are
// read from the raw bytes; only the body between them is decompressed. An
// ack tail whose count names more acks than the datagram holds is not
// read at all: the datagram is reported with no acks and those bytes stay
// in the body, rather than failing the whole parse, per the engine's
// forward-compatible parsing rule.
func ParseDatagram(buf []byte) (*Datagram, error) {
	h, offset, err := DecodeHeader(buf)
	if err != nil {
		return nil, decodeErr("header", err)
	}

	rest := buf[offset:]
	id, consumed, err := DecodeMsgID(rest)
	if err != nil {
		return nil, decodeErr("msgid", err)
	}
	rest = rest[consumed:]

	d := &Datagram{Header: h, ID: id}

	if h.Flags&FlagHasAcks != 0 && len(rest) > 0 {
		count := int(rest[len(rest)-1])
		needed := count * 4
		if needed <= len(rest)-1 {
			ackBytes := rest[len(rest)-1-needed : len(rest)-1]
			rest = rest[:len(rest)-1-needed]
			d.Acks = make([]uint32, count)
			for i := 0; i < count; i++ {
				v, _ := getU32BigEndian(ackBytes[i*4 : i*4+4])
				d.Acks[i] = v
			}
		}
		// A tail naming more acks than the datagram holds is left in
		// place and reported as no acks rather than discarding an
		// otherwise decodable packet.
	}

	if h.Flags&FlagZerocoded != 0 {
		body, err := ZerocodeDecode(rest)
		if err != nil {
			return nil, decodeErr("zerocode", err)
		}
		d.Body = body
		return d, nil
	}

	d.Body = rest
	return d, nil
}

// BuildDatagram assembles a full outbound UDP payload: fixed header,
// message ID, optionally zerocoded body, and an appended-ack tail if acks
// is non-empty. flags should not include FlagZerocoded or FlagHasAcks;
// BuildDatagram sets them itself based on zerocode and acks.
func BuildDatagram(flags uint8, seq uint32, id MsgID, body []byte, acks []uint32) []byte {
	encodedBody := body
	if ZerocodeShouldEncode(body) {
		encodedBody = ZerocodeEncode(body)
		flags |= FlagZerocoded
	}

	if len(acks) > 0 {
		flags |= FlagHasAcks
	}

	out := make([]byte, HeaderSize, HeaderSize+len(encodedBody)+len(acks)*4+1)
	EncodeHeader(out, flags, seq)
	out = EncodeMsgID(out, id)
	out = append(out, encodedBody...)

	if len(acks) > 0 {
		n := len(acks)
		if n > maxAppendedAcks {
			n = maxAppendedAcks
		}
		tail := make([]byte, n*4)
		for i := 0; i < n; i++ {
			putU32BigEndian(tail[i*4:i*4+4], acks[i])
		}
		out = append(out, tail...)
		out = append(out, byte(n))
	}

	return out
}

func putU32BigEndian(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func getU32BigEndian(src []byte) (uint32, int) {
	return uint32(src[0])<<24 | uint32(src[1])<<16 | uint32(src[2])<<8 | uint32(src[3]), 4
}
