package buffer

import "time"

// Thresholds are fixed for the lifetime of a buffer.
type Thresholds struct {
	RecordCountLimit    int64
	ByteSizeLimit       int64
	DiskFlushInterval   time.Duration
	MemoryFlushInterval time.Duration
}

type State struct {
	Open         bool
	RecordCount  int64
	ByteSize     int64
	MemoryExpiry time.Time // zero when unset
	DiskExpiry   time.Time // zero when unset
}

type Decision struct {
	MemoryFlushDue bool
	DiskFlushDue   bool
}

// Decide reports which flushes are due for the given state. The two answers are
// independent: either, both or neither may be due.
func Decide(state State, thresholds Thresholds, now time.Time) Decision {
	return Decision{
		MemoryFlushDue: expired(state.MemoryExpiry, now),
		DiskFlushDue: state.RecordCount >= thresholds.RecordCountLimit ||
			state.ByteSize >= thresholds.ByteSizeLimit ||
			expired(state.DiskExpiry, now),
	}
}

func expired(deadline, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}
