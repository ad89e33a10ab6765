package field

import "errors"

// ErrZeroInverse is returned when inverting the additive identity.
var ErrZeroInverse = errors.New("zero element is not invertible")

// Field is a finite field whose elements fit in a single byte.
//
// The encoder and decoder express all of their linear algebra through this
// interface, so a different byte-sized field can be swapped in without
// touching them.
type Field interface {
	// Add returns a + b. Subtraction is the same operation in characteristic 2.
	Add(a, b byte) byte

	// Mul returns a * b.
	Mul(a, b byte) byte

	// Inv returns the multiplicative inverse of a, or ErrZeroInverse for a == 0.
	Inv(a byte) (byte, error)

	// Order returns the number of elements in the field.
	Order() int
}

// MulAdd sets dst[i] = dst[i] + c*src[i] for every i.
func MulAdd(f Field, dst, src []byte, c byte) {
	if c == 0 {
		return
	}
	if fast, ok := f.(interface{ MulAdd(dst, src []byte, c byte) }); ok {
		fast.MulAdd(dst, src, c)
		return
	}
	for i := range src {
		dst[i] = f.Add(dst[i], f.Mul(c, src[i]))
	}
}

// Scale sets v[i] = c*v[i] for every i.
func Scale(f Field, v []byte, c byte) {
	for i := range v {
		v[i] = f.Mul(c, v[i])
	}
}

// LeadingIndex returns the index of the first nonzero element of v, or -1 if
// v is the zero vector.
func LeadingIndex(v []byte) int {
	for i, e := range v {
		if e != 0 {
			return i
		}
	}
	return -1
}
