package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/internal/book"
)

func depthSnap(lastID uint64) DepthSnapshot {
	return DepthSnapshot{
		LastUpdateID: lastID,
		Bids:         []book.Level{{Price: 100, Quantity: 2}},
		Asks:         []book.Level{{Price: 101, Quantity: 3}},
	}
}

func TestDepthSequencerChainsSparseIDs(t *testing.T) {
	bk := book.New("BTCUSDT")
	seq := NewDepthSequencer(bk)

	require.NoError(t, seq.Seed(depthSnap(1000)))

	// exchange final ids jump by many per diff; the first one only has
	// to straddle the snapshot id
	require.NoError(t, seq.Apply(DepthUpdate{
		FirstID: 998, FinalID: 1007,
		Bids: []book.Level{{Price: 99.5, Quantity: 1}},
	}))
	require.NoError(t, seq.Apply(DepthUpdate{
		FirstID: 1008, FinalID: 1019, PrevFinalID: 1007,
		Asks: []book.Level{{Price: 101.5, Quantity: 4}},
	}))
	require.True(t, seq.Synced())

	qty, err := bk.DepthAt(99.5)
	require.NoError(t, err)
	assert.Equal(t, 1.0, qty)
	qty, err = bk.DepthAt(101.5)
	require.NoError(t, err)
	assert.Equal(t, 4.0, qty)
}

func TestDepthSequencerSkipsCoveredDiffs(t *testing.T) {
	bk := book.New("BTCUSDT")
	seq := NewDepthSequencer(bk)

	require.NoError(t, seq.Seed(depthSnap(1000)))

	// entirely covered by the snapshot, ignored
	require.NoError(t, seq.Apply(DepthUpdate{
		FirstID: 990, FinalID: 999,
		Bids: []book.Level{{Price: 90, Quantity: 9}},
	}))

	qty, err := bk.DepthAt(90)
	require.NoError(t, err)
	assert.Zero(t, qty)
}

func TestDepthSequencerBreaksOnGap(t *testing.T) {
	bk := book.New("BTCUSDT")
	seq := NewDepthSequencer(bk)

	require.NoError(t, seq.Seed(depthSnap(1000)))
	require.NoError(t, seq.Apply(DepthUpdate{FirstID: 1001, FinalID: 1007}))

	// missed diffs: pu no longer matches the last final id
	err := seq.Apply(DepthUpdate{FirstID: 1020, FinalID: 1031, PrevFinalID: 1019})
	require.ErrorIs(t, err, ErrOutOfSync)
	require.False(t, seq.Synced())

	// a fresh snapshot restores the chain
	require.NoError(t, seq.Seed(depthSnap(1050)))
	require.NoError(t, seq.Apply(DepthUpdate{FirstID: 1049, FinalID: 1062, PrevFinalID: 1031}))
	require.True(t, seq.Synced())
}

func TestDepthSequencerFirstDiffPastSnapshot(t *testing.T) {
	bk := book.New("BTCUSDT")
	seq := NewDepthSequencer(bk)

	require.NoError(t, seq.Seed(depthSnap(1000)))

	// the stream already moved past the snapshot: reseed required
	err := seq.Apply(DepthUpdate{FirstID: 1005, FinalID: 1012})
	require.ErrorIs(t, err, ErrOutOfSync)
}

func TestDepthSequencerBuffersBeforeSeed(t *testing.T) {
	bk := book.New("BTCUSDT")
	seq := NewDepthSequencer(bk)

	// diffs stream in while the REST snapshot is in flight
	require.NoError(t, seq.Apply(DepthUpdate{
		FirstID: 990, FinalID: 999,
		Bids: []book.Level{{Price: 90, Quantity: 9}},
	}))
	require.NoError(t, seq.Apply(DepthUpdate{
		FirstID: 1000, FinalID: 1011,
		Bids: []book.Level{{Price: 99.5, Quantity: 1}},
	}))
	require.False(t, seq.Synced())

	require.NoError(t, seq.Seed(depthSnap(1000)))
	require.True(t, seq.Synced())

	// the pre-snapshot diff was discarded, the straddling one applied
	qty, err := bk.DepthAt(90)
	require.NoError(t, err)
	assert.Zero(t, qty)
	qty, err = bk.DepthAt(99.5)
	require.NoError(t, err)
	assert.Equal(t, 1.0, qty)
}

func TestRestDepthSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/depth", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{
			"lastUpdateId": 1000,
			"bids": [["100.0","2.0"],["99.5","5.0"]],
			"asks": [["101.0","3.0"]]
		}`))
	}))
	defer srv.Close()

	c := NewRestClientWithURL(srv.URL)
	snap, err := c.DepthSnapshot(context.Background(), "BTCUSDT", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), snap.LastUpdateID)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, book.Level{Price: 99.5, Quantity: 5}, snap.Bids[1])
	require.Len(t, snap.Asks, 1)
}
