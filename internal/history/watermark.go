package history

import "time"

// Watermark tracks how far a capability's history has been synced. It is immutable;
// the With* methods return updated copies and never move the newest times backwards.
type Watermark struct {
	lastBlock    time.Time
	lastEntry    time.Time
	currentBlock time.Time
	currentEntry time.Time
	blockSet     bool
	entrySet     bool
}

// WatermarkSnapshot is the serializable view of a Watermark
type WatermarkSnapshot struct {
	LastBlockTime   time.Time `json:"last_block_time" yaml:"last_block_time" cbor:"last_block_time"`
	LastEntryTime   time.Time `json:"last_entry_time" yaml:"last_entry_time" cbor:"last_entry_time"`
	NewestBlockTime time.Time `json:"newest_block_time" yaml:"newest_block_time" cbor:"newest_block_time"`
	NewestEntryTime time.Time `json:"newest_entry_time" yaml:"newest_entry_time" cbor:"newest_entry_time"`
}

// NewWatermark resumes from the times persisted by a previous session.
// The zero Watermark syncs from the beginning.
func NewWatermark(lastBlock, lastEntry time.Time) Watermark {
	return Watermark{lastBlock: lastBlock, lastEntry: lastEntry}
}

func (w Watermark) LastBlockTime() time.Time { return w.lastBlock }
func (w Watermark) LastEntryTime() time.Time { return w.lastEntry }

// CurrentBlockTime returns the block time observed in this session, if any
func (w Watermark) CurrentBlockTime() (time.Time, bool) { return w.currentBlock, w.blockSet }

// CurrentEntryTime returns the entry time accepted in this session, if any
func (w Watermark) CurrentEntryTime() (time.Time, bool) { return w.currentEntry, w.entrySet }

// NewestBlockTime is the current block time if set, else the last one
func (w Watermark) NewestBlockTime() time.Time {
	if w.blockSet {
		return w.currentBlock
	}
	return w.lastBlock
}

// NewestEntryTime is the entry time (current if set, else last), raised to at least NewestBlockTime
func (w Watermark) NewestEntryTime() time.Time {
	entry := w.lastEntry
	if w.entrySet {
		entry = w.currentEntry
	}
	if block := w.NewestBlockTime(); block.After(entry) {
		return block
	}
	return entry
}

// WithCurrentBlock records a block time; older blocks are ignored
func (w Watermark) WithCurrentBlock(t time.Time) Watermark {
	if t.Before(w.NewestBlockTime()) {
		return w
	}
	w.currentBlock = t
	w.blockSet = true
	return w
}

// WithCurrentEntry accepts a candidate entry time at most once per session,
// and only when it is not older than NewestBlockTime.
func (w Watermark) WithCurrentEntry(t time.Time) Watermark {
	if w.entrySet || t.Before(w.NewestBlockTime()) {
		return w
	}
	w.currentEntry = t
	w.entrySet = true
	return w
}

// Commit folds the session into the persisted times, ready for the next session
func (w Watermark) Commit() Watermark {
	return Watermark{lastBlock: w.NewestBlockTime(), lastEntry: w.NewestEntryTime()}
}

// Snapshot returns the serializable view
func (w Watermark) Snapshot() WatermarkSnapshot {
	return WatermarkSnapshot{
		LastBlockTime:   w.lastBlock,
		LastEntryTime:   w.lastEntry,
		NewestBlockTime: w.NewestBlockTime(),
		NewestEntryTime: w.NewestEntryTime(),
	}
}

// Equal reports whether both watermarks resolve to the same newest times
func (w Watermark) Equal(o Watermark) bool {
	return w.NewestBlockTime().Equal(o.NewestBlockTime()) && w.NewestEntryTime().Equal(o.NewestEntryTime())
}
