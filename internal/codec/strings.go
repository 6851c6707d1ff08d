package codec

import "errors"

// ErrTruncatedString is returned when a length-prefixed string's declared
// length exceeds the remaining bytes.
var ErrTruncatedString = errors.New("codec: truncated variable-length field")

// putVarString1 writes a single-byte-length-prefixed, NUL-terminated string
// field (the "Variable 1" field width used by most chat and name fields).
func putVarString1(dst []byte, s string) int {
	b := append([]byte(s), 0x00)
	n := len(b)
	if n > 255 {
		b = b[:255]
		b[254] = 0x00
		n = 255
	}
	dst[0] = byte(n)
	copy(dst[1:], b)
	return 1 + n
}

func getVarString1(src []byte) (string, int, error) {
	if len(src) < 1 {
		return "", 0, ErrTruncatedString
	}
	n := int(src[0])
	if len(src) < 1+n {
		return "", 0, ErrTruncatedString
	}
	b := src[1 : 1+n]
	return trimNUL(b), 1 + n, nil
}

// putVarString2 writes a two-byte-length-prefixed, NUL-terminated string
// field (the "Variable 2" field width used for message bodies).
func putVarString2(dst []byte, s string) int {
	b := append([]byte(s), 0x00)
	n := len(b)
	if n > 65535 {
		b = b[:65535]
		b[65534] = 0x00
		n = 65535
	}
	putU16(dst[0:2], uint16(n))
	copy(dst[2:], b)
	return 2 + n
}

func getVarString2(src []byte) (string, int, error) {
	if len(src) < 2 {
		return "", 0, ErrTruncatedString
	}
	n, _ := getU16(src[0:2])
	if len(src) < 2+int(n) {
		return "", 0, ErrTruncatedString
	}
	b := src[2 : 2+int(n)]
	return trimNUL(b), 2 + int(n), nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0x00 {
			return string(b[:i])
		}
	}
	return string(b)
}
