package codec

import "testing"

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, FlagReliable, 0x00ABCDEF)

	h, offset, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if offset != HeaderSize {
		t.Fatalf("offset = %d, want %d", offset, HeaderSize)
	}
	if h.Flags != FlagReliable {
		t.Fatalf("Flags = %#x, want %#x", h.Flags, FlagReliable)
	}
	if h.Sequence != 0x00ABCDEF {
		t.Fatalf("Sequence = %#x, want %#x", h.Sequence, 0x00ABCDEF)
	}
	if len(h.ExtraHeader) != 0 {
		t.Fatalf("ExtraHeader = %v, want empty", h.ExtraHeader)
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	_, _, err := DecodeHeader([]byte{0x40, 0x00, 0x00})
	if err != ErrTruncatedHeader {
		t.Fatalf("err = %v, want ErrTruncatedHeader", err)
	}
}

func TestDecodeHeaderWithExtraHeader(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x02, 0xAA, 0xBB}
	h, offset, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if offset != HeaderSize+2 {
		t.Fatalf("offset = %d, want %d", offset, HeaderSize+2)
	}
	if len(h.ExtraHeader) != 2 || h.ExtraHeader[0] != 0xAA || h.ExtraHeader[1] != 0xBB {
		t.Fatalf("ExtraHeader = %v, want [0xAA 0xBB]", h.ExtraHeader)
	}
}

func TestDecodeHeaderExtraHeaderTruncated(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x05, 0xAA}
	_, _, err := DecodeHeader(buf)
	if err != ErrTruncatedExtraHeader {
		t.Fatalf("err = %v, want ErrTruncatedExtraHeader", err)
	}
}

func TestDecodeErrorUnwrap(t *testing.T) {
	wrapped := decodeErr("header", ErrTruncatedHeader)
	de, ok := wrapped.(*DecodeError)
	if !ok {
		t.Fatalf("wrapped is %T, want *DecodeError", wrapped)
	}
	if de.Unwrap() != ErrTruncatedHeader {
		t.Fatalf("Unwrap() = %v, want ErrTruncatedHeader", de.Unwrap())
	}
}
