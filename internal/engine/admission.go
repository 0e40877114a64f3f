package engine

import (
	"sync/atomic"

	"github.com/yanun0323/errors"
)

var ErrCapacity = errors.New("max active trades reached")

// Admission is the portfolio-wide active-trade counter. A trade slot is
// taken when an entry is requested and released when the position
// reaches a terminal state or the entry is abandoned. Signals arriving
// at capacity are rejected, never queued.
type Admission struct {
	limit  int64
	active int64
}

// NewAdmission creates a counter with the given trade limit.
func NewAdmission(limit int) *Admission {
	if limit <= 0 {
		limit = 1
	}
	return &Admission{limit: int64(limit)}
}

// Acquire takes a trade slot or fails with ErrCapacity.
func (a *Admission) Acquire() error {
	for {
		cur := atomic.LoadInt64(&a.active)
		if cur >= a.limit {
			return ErrCapacity
		}
		if atomic.CompareAndSwapInt64(&a.active, cur, cur+1) {
			return nil
		}
	}
}

// Release frees a trade slot.
func (a *Admission) Release() {
	for {
		cur := atomic.LoadInt64(&a.active)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&a.active, cur, cur-1) {
			return
		}
	}
}

// Active reports the currently held slots.
func (a *Admission) Active() int {
	return int(atomic.LoadInt64(&a.active))
}
