package book

import (
	"sort"
	"sync"

	"github.com/yanun0323/errors"
)

var (
	ErrStale      = errors.New("order book stale")
	ErrNoSnapshot = errors.New("order book has no snapshot")
	ErrNoLevels   = errors.New("order book side is empty")
)

// Level is one price level of the book.
type Level struct {
	Price    float64
	Quantity float64
}

// Snapshot is a full book state at a sequence number. Bids must be sorted
// by price descending, asks ascending.
type Snapshot struct {
	Sequence uint64
	Bids     []Level
	Asks     []Level
}

// Update carries level deltas at a sequence number. A quantity of zero
// removes the price level.
type Update struct {
	Sequence uint64
	Bids     []Level
	Asks     []Level
}

// Book maintains a local order book from a snapshot plus sequenced diffs.
// Correctness depends entirely on sequence contiguity: an update is applied
// only if its sequence is exactly lastSequence+1. A gap, or any update that
// crosses the book (best bid >= best ask), marks the book stale; a stale
// book rejects all reads until a fresh snapshot is applied.
type Book struct {
	mu sync.RWMutex

	symbol  string
	bids    []Level // price desc
	asks    []Level // price asc
	lastSeq uint64
	synced  bool
	stale   bool
	pending []Update // buffered before the first snapshot
}

// New creates an empty, unsynced book for a symbol.
func New(symbol string) *Book {
	return &Book{symbol: symbol}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// Stale reports whether the book lost integrity.
func (b *Book) Stale() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stale
}

// ApplySnapshot replaces the book state and drains any updates buffered
// while waiting for the snapshot. Buffered updates at or before the
// snapshot sequence are discarded.
func (b *Book) ApplySnapshot(s Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = append(b.bids[:0], s.Bids...)
	b.asks = append(b.asks[:0], s.Asks...)
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price > b.bids[j].Price })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price < b.asks[j].Price })
	b.lastSeq = s.Sequence
	b.synced = true
	b.stale = false

	pending := b.pending
	b.pending = nil
	for _, u := range pending {
		if u.Sequence <= s.Sequence {
			continue
		}
		if err := b.applyLocked(u); err != nil {
			return err
		}
	}
	if b.crossedLocked() {
		b.stale = true
		return ErrStale
	}
	return nil
}

// ApplyUpdate applies one sequenced diff. Updates arriving before the first
// snapshot are buffered. Out-of-sequence or crossing updates mark the book
// stale and return ErrStale.
func (b *Book) ApplyUpdate(u Update) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		b.pending = append(b.pending, u)
		return nil
	}
	if b.stale {
		return ErrStale
	}
	if err := b.applyLocked(u); err != nil {
		return err
	}
	if b.crossedLocked() {
		b.stale = true
		return ErrStale
	}
	return nil
}

func (b *Book) applyLocked(u Update) error {
	if u.Sequence != b.lastSeq+1 {
		b.stale = true
		return ErrStale
	}
	for _, l := range u.Bids {
		b.bids = setLevel(b.bids, l, true)
	}
	for _, l := range u.Asks {
		b.asks = setLevel(b.asks, l, false)
	}
	b.lastSeq = u.Sequence
	return nil
}

// setLevel inserts, replaces, or removes a level keeping sort order
// (price descending for bids, ascending for asks).
func setLevel(side []Level, l Level, desc bool) []Level {
	i := sort.Search(len(side), func(i int) bool {
		if desc {
			return side[i].Price <= l.Price
		}
		return side[i].Price >= l.Price
	})
	found := i < len(side) && side[i].Price == l.Price
	switch {
	case l.Quantity == 0 && found:
		return append(side[:i], side[i+1:]...)
	case l.Quantity == 0:
		return side
	case found:
		side[i].Quantity = l.Quantity
		return side
	default:
		side = append(side, Level{})
		copy(side[i+1:], side[i:])
		side[i] = l
		return side
	}
}

func (b *Book) crossedLocked() bool {
	return len(b.bids) > 0 && len(b.asks) > 0 && b.bids[0].Price >= b.asks[0].Price
}

func (b *Book) readable() error {
	if !b.synced {
		return ErrNoSnapshot
	}
	if b.stale {
		return ErrStale
	}
	return nil
}

// BestBid returns the highest bid level.
func (b *Book) BestBid() (Level, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.readable(); err != nil {
		return Level{}, err
	}
	if len(b.bids) == 0 {
		return Level{}, ErrNoLevels
	}
	return b.bids[0], nil
}

// BestAsk returns the lowest ask level.
func (b *Book) BestAsk() (Level, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.readable(); err != nil {
		return Level{}, err
	}
	if len(b.asks) == 0 {
		return Level{}, ErrNoLevels
	}
	return b.asks[0], nil
}

// DepthAt returns the resting quantity at an exact price on either side.
func (b *Book) DepthAt(price float64) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.readable(); err != nil {
		return 0, err
	}
	for _, l := range b.bids {
		if l.Price == price {
			return l.Quantity, nil
		}
		if l.Price < price {
			break
		}
	}
	for _, l := range b.asks {
		if l.Price == price {
			return l.Quantity, nil
		}
		if l.Price > price {
			break
		}
	}
	return 0, nil
}

// Bids returns a copy of the bid side, price descending.
func (b *Book) Bids() ([]Level, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.readable(); err != nil {
		return nil, err
	}
	out := make([]Level, len(b.bids))
	copy(out, b.bids)
	return out, nil
}

// Asks returns a copy of the ask side, price ascending.
func (b *Book) Asks() ([]Level, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.readable(); err != nil {
		return nil, err
	}
	out := make([]Level, len(b.asks))
	copy(out, b.asks)
	return out, nil
}

// Spread returns best ask minus best bid.
func (b *Book) Spread() (float64, error) {
	bid, err := b.BestBid()
	if err != nil {
		return 0, err
	}
	ask, err := b.BestAsk()
	if err != nil {
		return 0, err
	}
	return ask.Price - bid.Price, nil
}
