package history_test

import (
	"testing"
	"time"

	"github.com/srg/bandsync/internal/history"
	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

func at(min int) time.Time {
	return t0.Add(time.Duration(min) * time.Minute)
}

func TestWatermarkNewestTimes(t *testing.T) {
	tests := []struct {
		name        string
		build       func() history.Watermark
		expectBlock time.Time
		expectEntry time.Time
	}{
		{
			name:        "zero watermark",
			build:       func() history.Watermark { return history.Watermark{} },
			expectBlock: time.Time{},
			expectEntry: time.Time{},
		},
		{
			name:        "persisted times",
			build:       func() history.Watermark { return history.NewWatermark(at(5), at(7)) },
			expectBlock: at(5),
			expectEntry: at(7),
		},
		{
			name:        "entry raised to block",
			build:       func() history.Watermark { return history.NewWatermark(at(9), at(7)) },
			expectBlock: at(9),
			expectEntry: at(9),
		},
		{
			name: "current block overrides last",
			build: func() history.Watermark {
				return history.NewWatermark(at(5), at(5)).WithCurrentBlock(at(10))
			},
			expectBlock: at(10),
			expectEntry: at(10),
		},
		{
			name: "older block ignored",
			build: func() history.Watermark {
				return history.NewWatermark(at(5), at(5)).WithCurrentBlock(at(3))
			},
			expectBlock: at(5),
			expectEntry: at(5),
		},
		{
			name: "entry accepted once",
			build: func() history.Watermark {
				return history.NewWatermark(at(5), at(5)).WithCurrentEntry(at(8)).WithCurrentEntry(at(12))
			},
			expectBlock: at(5),
			expectEntry: at(8),
		},
		{
			name: "stale entry rejected after newer block",
			build: func() history.Watermark {
				return history.Watermark{}.WithCurrentBlock(at(10)).WithCurrentEntry(at(4))
			},
			expectBlock: at(10),
			expectEntry: at(10),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.build()
			assert.True(t, tt.expectBlock.Equal(w.NewestBlockTime()), "block: %v", w.NewestBlockTime())
			assert.True(t, tt.expectEntry.Equal(w.NewestEntryTime()), "entry: %v", w.NewestEntryTime())
		})
	}
}

func TestWatermarkStaleEntryDoesNotConsumeTheSlot(t *testing.T) {
	w := history.Watermark{}.WithCurrentBlock(at(10)).WithCurrentEntry(at(4))
	_, set := w.CurrentEntryTime()
	assert.False(t, set, "a rejected candidate MUST NOT count as the session's entry")

	w = w.WithCurrentEntry(at(11))
	entry, set := w.CurrentEntryTime()
	assert.True(t, set)
	assert.Equal(t, at(11), entry)
}

func TestWatermarkNewestEntryNeverDecreases(t *testing.T) {
	// GOAL: Verify NewestEntryTime is non-decreasing across any fold sequence

	steps := []struct {
		block bool
		t     time.Time
	}{
		{true, at(3)}, {false, at(4)}, {true, at(2)}, {false, at(1)},
		{true, at(9)}, {false, at(20)}, {true, at(6)}, {true, at(15)}, {false, at(30)},
	}

	w := history.NewWatermark(at(1), at(2))
	prev := w.NewestEntryTime()
	for i, st := range steps {
		if st.block {
			w = w.WithCurrentBlock(st.t)
		} else {
			w = w.WithCurrentEntry(st.t)
		}
		assert.False(t, w.NewestEntryTime().Before(prev), "step %d MUST NOT move the entry backwards", i)
		prev = w.NewestEntryTime()
	}
}

func TestWatermarkImmutableAndCommit(t *testing.T) {
	base := history.NewWatermark(at(1), at(1))
	next := base.WithCurrentBlock(at(5)).WithCurrentEntry(at(6))

	assert.Equal(t, at(1), base.NewestBlockTime(), "With* MUST NOT mutate the receiver")

	committed := next.Commit()
	assert.Equal(t, at(5), committed.LastBlockTime())
	assert.Equal(t, at(6), committed.LastEntryTime())
	_, blockSet := committed.CurrentBlockTime()
	_, entrySet := committed.CurrentEntryTime()
	assert.False(t, blockSet)
	assert.False(t, entrySet, "a committed watermark MUST start a fresh session")
	assert.True(t, committed.Equal(next))

	snap := next.Snapshot()
	assert.Equal(t, at(1), snap.LastBlockTime)
	assert.Equal(t, at(6), snap.NewestEntryTime)
}
