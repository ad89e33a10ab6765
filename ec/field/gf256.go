package field

import "sync"

// GF(2^8) reduced by x^8 + x^4 + x^3 + x^2 + 1 with generator 2.
const (
	gf256Polynomial = 0x11D
	gf256Generator  = 2
	gf256Order      = 255 // multiplicative group order
)

var (
	expTable [2 * gf256Order]byte // doubled so log sums need no reduction
	logTable [256]byte
	invTable [256]byte
	initOnce sync.Once
)

func initTables() {
	initOnce.Do(func() {
		x := 1
		for i := 0; i < gf256Order; i++ {
			expTable[i] = byte(x)
			logTable[x] = byte(i)
			x *= gf256Generator
			if x&0x100 != 0 {
				x ^= gf256Polynomial
			}
		}
		for i := 0; i < gf256Order; i++ {
			expTable[i+gf256Order] = expTable[i]
		}
		for a := 1; a < 256; a++ {
			invTable[a] = expTable[gf256Order-int(logTable[a])]
		}
	})
}

// GF256 is the field GF(2^8). The log and antilog tables are built once and
// shared read-only by every instance.
type GF256 struct{}

// NewGF256 returns the GF(2^8) field, building the lookup tables on first use.
func NewGF256() GF256 {
	initTables()
	return GF256{}
}

// Add returns a XOR b.
func (GF256) Add(a, b byte) byte {
	return a ^ b
}

// Mul returns a * b via the log/antilog tables.
func (GF256) Mul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return expTable[int(logTable[a])+int(logTable[b])]
}

// Inv returns the multiplicative inverse of a.
func (GF256) Inv(a byte) (byte, error) {
	if a == 0 {
		return 0, ErrZeroInverse
	}
	return invTable[a], nil
}

// Order returns 256.
func (GF256) Order() int {
	return 256
}

// MulAdd sets dst[i] ^= c*src[i], hoisting the log of c out of the loop.
func (GF256) MulAdd(dst, src []byte, c byte) {
	if c == 0 {
		return
	}
	logC := int(logTable[c])
	for i, s := range src {
		if s != 0 {
			dst[i] ^= expTable[logC+int(logTable[s])]
		}
	}
}
