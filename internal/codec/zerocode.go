package codec

import "errors"

// ErrMalformedZerocode is returned when a 0x00 byte in a zerocoded body is
// not followed by a run-length count, or the count is out of range.
var ErrMalformedZerocode = errors.New("codec: malformed zerocoded body")

// ZerocodeShouldEncode reports whether applying zerocoding to body is worth
// it: the engine only sets FlagZerocoded when doing so saves at least 10%
// and the input is at least 16 bytes.
func ZerocodeShouldEncode(body []byte) bool {
	if len(body) < 16 {
		return false
	}
	encoded := ZerocodeEncode(body)
	saved := len(body) - len(encoded)
	return float64(saved) >= 0.10*float64(len(body))
}

// ZerocodeEncode replaces runs of the zero byte with a (0x00, count) pair,
// where count is in [1, 255]. Runs longer than 255 are split across
// multiple pairs; a single literal zero is encoded as 0x00 0x01.
func ZerocodeEncode(body []byte) []byte {
	out := make([]byte, 0, len(body))

	i := 0
	for i < len(body) {
		if body[i] != 0x00 {
			out = append(out, body[i])
			i++
			continue
		}

		run := 0
		for i+run < len(body) && body[i+run] == 0x00 && run < 255 {
			run++
		}
		out = append(out, 0x00, byte(run))
		i += run
	}

	return out
}

// ZerocodeDecode inverts ZerocodeEncode. A 0x00 byte not followed by a
// count byte in [1, 255] is malformed.
func ZerocodeDecode(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body)*2)

	i := 0
	for i < len(body) {
		if body[i] != 0x00 {
			out = append(out, body[i])
			i++
			continue
		}

		if i+1 >= len(body) {
			return nil, ErrMalformedZerocode
		}
		count := body[i+1]
		if count == 0 {
			return nil, ErrMalformedZerocode
		}
		for n := 0; n < int(count); n++ {
			out = append(out, 0x00)
		}
		i += 2
	}

	return out, nil
}
