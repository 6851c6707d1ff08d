package codec

import (
	"bytes"
	"testing"
)

func TestZerocodeRunOfFourZeros(t *testing.T) {
	in := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x02}
	want := []byte{0x01, 0x00, 0x04, 0x02}
	got := ZerocodeEncode(in)
	if !bytes.Equal(got, want) {
		t.Fatalf("ZerocodeEncode(%v) = %v, want %v", in, got, want)
	}

	back, err := ZerocodeDecode(got)
	if err != nil {
		t.Fatalf("ZerocodeDecode: %v", err)
	}
	if !bytes.Equal(back, in) {
		t.Fatalf("round trip = %v, want %v", back, in)
	}
}

func TestZerocodeLiteralSingleZero(t *testing.T) {
	in := []byte{0x00}
	got := ZerocodeEncode(in)
	want := []byte{0x00, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("ZerocodeEncode(%v) = %v, want %v", in, got, want)
	}
}

func TestZerocodeLongRunSplits(t *testing.T) {
	in := make([]byte, 65535)
	got := ZerocodeEncode(in)

	back, err := ZerocodeDecode(got)
	if err != nil {
		t.Fatalf("ZerocodeDecode: %v", err)
	}
	if !bytes.Equal(back, in) {
		t.Fatalf("round trip mismatch: got len %d, want len %d", len(back), len(in))
	}

	// Every run must be encoded as count=255 except a possible remainder.
	expectedPairs := len(in) / 255
	if len(in)%255 != 0 {
		expectedPairs++
	}
	if len(got) != expectedPairs*2 {
		t.Fatalf("encoded len = %d, want %d", len(got), expectedPairs*2)
	}
}

func TestZerocodeDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		{0x01, 0x00},
		{0x01, 0x00, 0x00},
	}
	for _, c := range cases {
		if _, err := ZerocodeDecode(c); err != ErrMalformedZerocode {
			t.Fatalf("ZerocodeDecode(%v) err = %v, want ErrMalformedZerocode", c, err)
		}
	}
}

func TestZerocodeShouldEncodeThresholds(t *testing.T) {
	short := make([]byte, 15)
	if ZerocodeShouldEncode(short) {
		t.Fatalf("ZerocodeShouldEncode should reject bodies under 16 bytes")
	}

	noZeros := bytes.Repeat([]byte{0x01}, 32)
	if ZerocodeShouldEncode(noZeros) {
		t.Fatalf("ZerocodeShouldEncode should reject bodies with no savings")
	}

	mostlyZero := make([]byte, 32)
	if !ZerocodeShouldEncode(mostlyZero) {
		t.Fatalf("ZerocodeShouldEncode should accept a body that compresses well")
	}
}

func TestZerocodeEncodeDecodeRoundTripMixed(t *testing.T) {
	in := []byte{0xAB, 0x00, 0x00, 0x00, 0xCD, 0x00, 0xEF, 0x00, 0x00}
	encoded := ZerocodeEncode(in)
	decoded, err := ZerocodeDecode(encoded)
	if err != nil {
		t.Fatalf("ZerocodeDecode: %v", err)
	}
	if !bytes.Equal(decoded, in) {
		t.Fatalf("round trip = %v, want %v", decoded, in)
	}
}
