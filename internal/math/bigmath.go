package math

import (
	"math/big"
)

// All ledger arithmetic runs on 256-bit integers. Token amounts arrive as
// raw on-chain units (wei-scale), so every intermediate product must be
// computed at full width — int64 overflows on the first multiplication.

var zero = big.NewInt(0)

// Zero returns a fresh zero-valued big.Int.
func Zero() *big.Int {
	return new(big.Int)
}

// Copy returns a defensive copy of v. A nil input yields zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Add returns a + b without mutating either operand.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(orZero(a), orZero(b))
}

// Sub returns a - b without mutating either operand.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(orZero(a), orZero(b))
}

// Neg returns -v without mutating v.
func Neg(v *big.Int) *big.Int {
	return new(big.Int).Neg(orZero(v))
}

// Abs returns |v| without mutating v.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(orZero(v))
}

// MulDiv returns a * b / denom with the intermediate product at full width.
// Division truncates toward zero, matching EVM integer semantics. A zero
// denominator is guarded as a no-op and returns zero: callers rely on this
// for "proportion of a zero-sized lot" edge cases.
func MulDiv(a, b, denom *big.Int) *big.Int {
	if IsZero(a) || IsZero(b) || IsZero(denom) {
		return new(big.Int)
	}
	prod := new(big.Int).Mul(a, b)
	return prod.Quo(prod, denom)
}

// Max0 returns max(v, 0).
func Max0(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// CmpAbs compares |a| and |b|.
func CmpAbs(a, b *big.Int) int {
	return orZero(a).CmpAbs(orZero(b))
}

// ProRata splits amount across weights proportionally, assigning the
// rounding remainder to the LAST entry so the shares always sum to amount
// exactly. Zero weights receive zero shares (the remainder still lands on
// the last entry even if its weight is zero). A zero total weight puts the
// entire amount on the last entry.
func ProRata(amount *big.Int, weights []*big.Int) []*big.Int {
	shares := make([]*big.Int, len(weights))
	if len(weights) == 0 {
		return shares
	}

	total := new(big.Int)
	for _, w := range weights {
		total.Add(total, orZero(w))
	}

	assigned := new(big.Int)
	for i, w := range weights {
		if i == len(weights)-1 {
			// Remainder absorber: exactness over fairness.
			shares[i] = Sub(amount, assigned)
			break
		}
		share := MulDiv(amount, w, total)
		shares[i] = share
		assigned.Add(assigned, share)
	}

	return shares
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return zero
	}
	return v
}
