package mission

import (
	"fmt"
	"math/big"
	"strings"
)

// Amount is an exact monetary quantity in minor units. Pool math must never
// pass through floating point, so amounts are arbitrary-precision integers
// end to end. The JSON form is a decimal string.
type Amount struct {
	big.Int
}

// NewAmount creates an amount from an int64 value in minor units.
func NewAmount(v int64) *Amount {
	a := &Amount{}
	a.SetInt64(v)
	return a
}

// ParseAmount parses a base-10 string in minor units.
func ParseAmount(s string) (*Amount, error) {
	a := &Amount{}
	if _, ok := a.SetString(strings.TrimSpace(s), 10); !ok {
		return nil, fmt.Errorf("parse amount %q", s)
	}
	if a.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return a, nil
}

// Clone returns an independent copy. Clone of nil is nil.
func (a *Amount) Clone() *Amount {
	if a == nil {
		return nil
	}
	c := &Amount{}
	c.Set(&a.Int)
	return c
}

// CmpAmount compares two amounts, treating nil as zero.
func CmpAmount(a, b *Amount) int {
	var x, y big.Int
	if a != nil {
		x.Set(&a.Int)
	}
	if b != nil {
		y.Set(&b.Int)
	}
	return x.Cmp(&y)
}

// MaxAmount returns the larger of a and b (nil treated as zero).
func MaxAmount(a, b *Amount) *Amount {
	if CmpAmount(a, b) >= 0 {
		return a.Clone()
	}
	return b.Clone()
}

// MinAmount returns the smaller of a and b (nil treated as zero).
func MinAmount(a, b *Amount) *Amount {
	if CmpAmount(a, b) <= 0 {
		return a.Clone()
	}
	return b.Clone()
}

// SubAmount returns a-b floored at zero (nil treated as zero).
func SubAmount(a, b *Amount) *Amount {
	r := &Amount{}
	var x, y big.Int
	if a != nil {
		x.Set(&a.Int)
	}
	if b != nil {
		y.Set(&b.Int)
	}
	r.Sub(&x, &y)
	if r.Sign() < 0 {
		r.SetInt64(0)
	}
	return r
}

func (a *Amount) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte(`"0"`), nil
	}
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		a.SetInt64(0)
		return nil
	}
	if _, ok := a.SetString(s, 10); !ok {
		return fmt.Errorf("unmarshal amount %q", s)
	}
	return nil
}
