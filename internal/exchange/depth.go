package exchange

import (
	"sync"

	"github.com/yanun0323/errors"

	"trader/internal/book"
)

// ErrOutOfSync reports a broken depth stream linkage; the caller must
// reseed from a fresh REST snapshot.
var ErrOutOfSync = errors.New("depth stream out of sync")

const maxPendingDepth = 1024

// DepthSnapshot is a full REST book image at an exchange update id.
type DepthSnapshot struct {
	LastUpdateID uint64
	Bids         []book.Level
	Asks         []book.Level
}

// DepthUpdate is one streamed diff in exchange id space. FinalID
// advances by many per event; PrevFinalID links an event to its
// predecessor.
type DepthUpdate struct {
	Symbol      string
	FirstID     uint64
	FinalID     uint64
	PrevFinalID uint64
	Bids        []book.Level
	Asks        []book.Level
}

// DepthSequencer translates the exchange's sparse update ids into the
// contiguous sequence the book requires. The first diff after a
// snapshot must straddle the snapshot id; every later diff must chain
// to its predecessor through PrevFinalID. Any break returns
// ErrOutOfSync and holds the stream unsynced until Seed installs a
// fresh snapshot.
type DepthSequencer struct {
	mu sync.Mutex

	bk        *book.Book
	local     uint64
	snapID    uint64
	lastFinal uint64
	synced    bool
	pending   []DepthUpdate
}

// NewDepthSequencer wraps a book.
func NewDepthSequencer(bk *book.Book) *DepthSequencer {
	return &DepthSequencer{bk: bk}
}

// Synced reports whether the stream currently chains cleanly.
func (s *DepthSequencer) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// Seed installs a REST snapshot and replays any diffs buffered while
// waiting for it.
func (s *DepthSequencer) Seed(snap DepthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local++
	if err := s.bk.ApplySnapshot(book.Snapshot{
		Sequence: s.local,
		Bids:     snap.Bids,
		Asks:     snap.Asks,
	}); err != nil {
		return err
	}
	s.snapID = snap.LastUpdateID
	s.lastFinal = 0
	s.synced = true

	pending := s.pending
	s.pending = nil
	for _, u := range pending {
		if err := s.applyLocked(u); err != nil {
			s.synced = false
			return err
		}
	}
	return nil
}

// Apply feeds one streamed diff into the book. Diffs arriving before
// the first snapshot are buffered and drained by Seed.
func (s *DepthSequencer) Apply(u DepthUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		if len(s.pending) < maxPendingDepth {
			s.pending = append(s.pending, u)
		}
		return nil
	}
	if err := s.applyLocked(u); err != nil {
		s.synced = false
		return err
	}
	return nil
}

func (s *DepthSequencer) applyLocked(u DepthUpdate) error {
	if u.FinalID <= s.snapID {
		// already covered by the snapshot
		return nil
	}
	if s.lastFinal == 0 {
		if u.FirstID > s.snapID+1 {
			return errors.Wrap(ErrOutOfSync, "first diff past snapshot").
				With("first", u.FirstID).
				With("snapshot", s.snapID)
		}
	} else if u.PrevFinalID != s.lastFinal {
		return errors.Wrap(ErrOutOfSync, "previous-final mismatch").
			With("prev", u.PrevFinalID).
			With("last", s.lastFinal)
	}
	s.lastFinal = u.FinalID
	s.local++
	return s.bk.ApplyUpdate(book.Update{
		Sequence: s.local,
		Bids:     u.Bids,
		Asks:     u.Asks,
	})
}
