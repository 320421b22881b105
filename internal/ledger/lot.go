package ledger

import (
	"fmt"
	"math/big"

	"LotLedger/internal/event"
	bigmath "LotLedger/internal/math"
)

// Side distinguishes the two lot books of a position.
type Side int32

const (
	// SideLong lots track owned collateral: positive sizes in base units,
	// open cost in quote units.
	SideLong Side = iota

	// SideShort lots track debt liability: negative sizes in quote units,
	// open cost in base units.
	SideShort
)

func (s Side) String() string {
	if s == SideShort {
		return "short"
	}
	return "long"
}

// Lot is a discrete slice of opened collateral or debt with its own cost
// basis. Size and OpenCost are net (interest-adjusted); GrossSize and
// GrossOpenCost track the original principal only. A freshly opened lot has
// Size == GrossSize and OpenCost == GrossOpenCost; interest allocation skews
// them apart over the lot's life.
//
// Invariant: a lot with Size == 0 has OpenCost == 0.
type Lot struct {
	PositionID event.PositionID
	Side       Side
	Index      int // sequence slot within the side, creation order

	Size          *big.Int
	GrossSize     *big.Int
	OpenCost      *big.Int
	GrossOpenCost *big.Int

	CreatedBlock uint64
	CreatedAt    int64
	CreatedTx    string
	ClosedBlock  uint64 // 0 while open
}

// LotID is the store key of a lot slot.
type LotID struct {
	PositionID event.PositionID
	Side       Side
	Index      int
}

func (l Lot) ID() LotID {
	return LotID{PositionID: l.PositionID, Side: l.Side, Index: l.Index}
}

// Open reports whether the lot still carries size.
func (l Lot) Open() bool {
	return !bigmath.IsZero(l.Size)
}

// Clone returns a deep copy of the lot.
func (l Lot) Clone() Lot {
	cp := l
	cp.Size = bigmath.Copy(l.Size)
	cp.GrossSize = bigmath.Copy(l.GrossSize)
	cp.OpenCost = bigmath.Copy(l.OpenCost)
	cp.GrossOpenCost = bigmath.Copy(l.GrossOpenCost)
	return cp
}

// CloneLots deep-copies a lot slice.
func CloneLots(lots []Lot) []Lot {
	out := make([]Lot, len(lots))
	for i, l := range lots {
		out[i] = l.Clone()
	}
	return out
}

// Validate checks the per-lot invariants.
func (l Lot) Validate() error {
	if bigmath.IsZero(l.Size) && !bigmath.IsZero(l.OpenCost) {
		return fmt.Errorf("lot %s/%s/%d: zero size with open cost %s",
			l.PositionID, l.Side, l.Index, l.OpenCost)
	}
	if l.Side == SideLong && l.Size.Sign() < 0 {
		return fmt.Errorf("lot %s/%s/%d: long lot with negative size %s",
			l.PositionID, l.Side, l.Index, l.Size)
	}
	if l.Side == SideShort && l.Size.Sign() > 0 {
		return fmt.Errorf("lot %s/%s/%d: short lot with positive size %s",
			l.PositionID, l.Side, l.Index, l.Size)
	}
	return nil
}

// BySide splits lots into the long and short books, preserving creation
// order within each.
func BySide(lots []Lot) (long, short []Lot) {
	for _, l := range lots {
		if l.Side == SideLong {
			long = append(long, l)
		} else {
			short = append(short, l)
		}
	}
	return long, short
}
