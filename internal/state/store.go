package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"LotLedger/internal/event"
	"LotLedger/internal/ledger"
)

// ErrNotFound is returned when a requested entity does not exist. Callers
// doing best-effort lookups treat it as "does not exist yet", not a fault.
var ErrNotFound = errors.New("entity not found")

// Store is the keyed entity store the ledger core persists through. It
// offers no cross-entity transaction: the ledger writer's own pre-commit
// checks compensate for that.
type Store interface {
	Position(ctx context.Context, id event.PositionID) (*Position, error)
	PutPosition(ctx context.Context, pos *Position) error

	// Lots returns the position's lot slots ordered by side then index.
	Lots(ctx context.Context, id event.PositionID) ([]ledger.Lot, error)
	PutLot(ctx context.Context, lot ledger.Lot) error
	DeleteLot(ctx context.Context, id ledger.LotID) error

	FillItem(ctx context.Context, id uuid.UUID) (*FillItem, error)
	// PutFillItem rejects writes to an existing id: fill items are
	// write-once.
	PutFillItem(ctx context.Context, item *FillItem) error
	FillItems(ctx context.Context, id event.PositionID) ([]*FillItem, error)

	Instrument(ctx context.Context, id string) (Instrument, error)
	PutInstrument(ctx context.Context, instrument Instrument) error

	Token(ctx context.Context, id TokenID) (Token, error)
	PutToken(ctx context.Context, token Token) error
}

// MemoryStore is the in-memory Store used by tests and by hosts that keep
// ledger state ephemeral.
type MemoryStore struct {
	mu          sync.RWMutex
	positions   map[event.PositionID]*Position
	lots        map[ledger.LotID]ledger.Lot
	fillItems   map[uuid.UUID]*FillItem
	fillsByPos  map[event.PositionID][]uuid.UUID
	instruments map[string]Instrument
	tokens      map[TokenID]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:   make(map[event.PositionID]*Position),
		lots:        make(map[ledger.LotID]ledger.Lot),
		fillItems:   make(map[uuid.UUID]*FillItem),
		fillsByPos:  make(map[event.PositionID][]uuid.UUID),
		instruments: make(map[string]Instrument),
		tokens:      make(map[TokenID]Token),
	}
}

func (s *MemoryStore) Position(ctx context.Context, id event.PositionID) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return pos.Clone(), nil
}

func (s *MemoryStore) PutPosition(ctx context.Context, pos *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = pos.Clone()
	return nil
}

func (s *MemoryStore) Lots(ctx context.Context, id event.PositionID) ([]ledger.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Lot
	for key, lot := range s.lots {
		if key.PositionID == id {
			out = append(out, lot.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Side != out[j].Side {
			return out[i].Side < out[j].Side
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (s *MemoryStore) PutLot(ctx context.Context, lot ledger.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots[lot.ID()] = lot.Clone()
	return nil
}

func (s *MemoryStore) DeleteLot(ctx context.Context, id ledger.LotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lots, id)
	return nil
}

func (s *MemoryStore) FillItem(ctx context.Context, id uuid.UUID) (*FillItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.fillItems[id]
	if !ok {
		return nil, fmt.Errorf("fill item %s: %w", id, ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) PutFillItem(ctx context.Context, item *FillItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.fillItems[item.ID]; exists {
		return fmt.Errorf("fill item %s already written", item.ID)
	}
	s.fillItems[item.ID] = item
	s.fillsByPos[item.PositionID] = append(s.fillsByPos[item.PositionID], item.ID)
	return nil
}

func (s *MemoryStore) FillItems(ctx context.Context, id event.PositionID) ([]*FillItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.fillsByPos[id]
	out := make([]*FillItem, 0, len(ids))
	for _, fid := range ids {
		out = append(out, s.fillItems[fid])
	}
	return out, nil
}

func (s *MemoryStore) Instrument(ctx context.Context, id string) (Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[id]
	if !ok {
		return Instrument{}, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	return inst, nil
}

func (s *MemoryStore) PutInstrument(ctx context.Context, instrument Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[instrument.ID] = instrument
	return nil
}

func (s *MemoryStore) Token(ctx context.Context, id TokenID) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	if !ok {
		return Token{}, fmt.Errorf("token %s@%d: %w", id.Address, id.ChainID, ErrNotFound)
	}
	return tok, nil
}

func (s *MemoryStore) PutToken(ctx context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID()] = token
	return nil
}
