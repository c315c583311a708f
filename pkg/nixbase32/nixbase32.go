// Package nixbase32 implements the slightly odd base-32 encoding used
// throughout Nix. The alphabet omits e, o, t and u (to avoid spelling
// anything objectionable), and the bytes are consumed from the end of
// the input, so the encoded form is not compatible with the standard
// base-32 encodings.
package nixbase32

import "fmt"

// Alphabet is the character set of the encoding, in digit order.
const Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// revAlphabet maps an ASCII byte to its digit value, or 0xff for bytes
// outside the alphabet.
var revAlphabet = func() [256]byte {
	var rev [256]byte
	for i := range rev {
		rev[i] = 0xff
	}

	for i := 0; i < len(Alphabet); i++ {
		rev[Alphabet[i]] = byte(i)
	}

	return rev
}()

// EncodedLen returns the length of the encoding of n source bytes.
func EncodedLen(n int) int {
	if n == 0 {
		return 0
	}

	return (n*8-1)/5 + 1
}

// DecodedLen returns the number of bytes produced by decoding n source
// characters.
func DecodedLen(n int) int {
	return n * 5 / 8
}

// EncodeToString returns the nixbase32 encoding of src.
func EncodeToString(src []byte) string {
	n := EncodedLen(len(src))

	dst := make([]byte, n)
	for i := 0; i < n; i++ {
		b := uint(n-i-1) * 5
		j := b / 8
		k := b % 8

		c := src[j] >> k
		if int(j+1) < len(src) {
			c |= src[j+1] << (8 - k)
		}

		dst[i] = Alphabet[c&0x1f]
	}

	return string(dst)
}

// DecodeString decodes a nixbase32 string. The input length must
// correspond exactly to a whole number of bytes, and any bits beyond
// the decoded length must be zero.
func DecodeString(s string) ([]byte, error) {
	decLen := DecodedLen(len(s))
	if EncodedLen(decLen) != len(s) {
		return nil, fmt.Errorf("nixbase32: invalid encoding length %d", len(s))
	}

	dst := make([]byte, decLen)

	for n := 0; n < len(s); n++ {
		c := s[len(s)-n-1]

		digit := revAlphabet[c]
		if digit == 0xff {
			return nil, fmt.Errorf("nixbase32: invalid character %q", c)
		}

		b := uint(n) * 5
		i := b / 8
		j := b % 8

		dst[i] |= digit << j

		if carry := digit >> (8 - j); j > 3 {
			if int(i+1) >= decLen {
				if carry != 0 {
					return nil, fmt.Errorf("nixbase32: non-zero carry in %q", s)
				}
			} else {
				dst[i+1] |= carry
			}
		}
	}

	return dst, nil
}

// ValidateString reports whether s is a well-formed nixbase32 string.
func ValidateString(s string) error {
	_, err := DecodeString(s)

	return err
}
