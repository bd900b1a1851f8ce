package security

import (
	"sync"
	"time"

	"github.com/MXWXZ/plugd/fault"

	"github.com/google/uuid"
)

// GlobalLimits bound usage summed over all sandboxes, zero disables a bound.
type GlobalLimits struct {
	MaxMemory         int64
	NetworkPerMinute  int64
	DatabasePerMinute int64
}

type meter struct {
	limits    Limits
	usage     Usage
	windowNet int64
	windowDB  int64
}

// Accountant owns every resource counter. Each check-and-increment
// happens under one lock so concurrent sandboxes cannot over-commit.
type Accountant struct {
	mu       sync.Mutex
	global   GlobalLimits
	meters   map[uuid.UUID]*meter
	retained int64
	minute   time.Time
	netRate  int64
	dbRate   int64

	now func() time.Time
}

func NewAccountant(g GlobalLimits) *Accountant {
	return &Accountant{
		global: g,
		meters: make(map[uuid.UUID]*meter),
		now:    time.Now,
	}
}

// Open starts fresh counters for sandbox instance id.
func (a *Accountant) Open(id uuid.UUID, l Limits) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.meters[id] = &meter{limits: l}
}

// Close drops the counters of id and releases its retained memory.
func (a *Accountant) Close(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.meters[id]; ok {
		a.retained -= m.usage.RetainedBytes
		delete(a.meters, id)
	}
}

// BeginWindow resets the per-call counters of id.
func (a *Accountant) BeginWindow(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.meters[id]; ok {
		m.windowNet = 0
		m.windowDB = 0
		m.usage.Calls++
	}
}

func (a *Accountant) rollMinute() {
	now := a.now()
	if now.Sub(a.minute) >= time.Minute {
		a.minute = now
		a.netRate = 0
		a.dbRate = 0
	}
}

// Charge accounts n units of r to id, failing closed when a ceiling would be exceeded.
// Memory may be charged negative to release bytes. Execution time is charged in
// milliseconds and never rejected here, the caller enforces it with a deadline.
func (a *Accountant) Charge(id uuid.UUID, r fault.Resource, n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.meters[id]
	if !ok {
		return fault.ErrSandboxUnavailable
	}
	a.rollMinute()

	switch r {
	case fault.ResourceMemory:
		next := m.usage.RetainedBytes + n
		if next < 0 {
			next = 0
		}
		if n > 0 {
			if m.limits.MaxMemory > 0 && next > m.limits.MaxMemory {
				return &fault.ResourceLimitError{Resource: r, Limit: m.limits.MaxMemory, Used: next, Fatal: true}
			}
			if a.global.MaxMemory > 0 && a.retained+n > a.global.MaxMemory {
				return &fault.ResourceLimitError{Resource: r, Limit: a.global.MaxMemory, Used: a.retained + n, Global: true}
			}
		}
		a.retained += next - m.usage.RetainedBytes
		m.usage.RetainedBytes = next
		if next > m.usage.MemoryBytes {
			m.usage.MemoryBytes = next
		}
	case fault.ResourceNetwork:
		if m.limits.MaxNetworkRequests > 0 && m.windowNet+n > m.limits.MaxNetworkRequests {
			return &fault.ResourceLimitError{Resource: r, Limit: m.limits.MaxNetworkRequests, Used: m.windowNet + n}
		}
		if a.global.NetworkPerMinute > 0 && a.netRate+n > a.global.NetworkPerMinute {
			return &fault.ResourceLimitError{Resource: r, Limit: a.global.NetworkPerMinute, Used: a.netRate + n, Global: true}
		}
		m.windowNet += n
		m.usage.NetworkRequests += n
		a.netRate += n
	case fault.ResourceDatabase:
		if m.limits.MaxDatabaseQueries > 0 && m.windowDB+n > m.limits.MaxDatabaseQueries {
			return &fault.ResourceLimitError{Resource: r, Limit: m.limits.MaxDatabaseQueries, Used: m.windowDB + n}
		}
		if a.global.DatabasePerMinute > 0 && a.dbRate+n > a.global.DatabasePerMinute {
			return &fault.ResourceLimitError{Resource: r, Limit: a.global.DatabasePerMinute, Used: a.dbRate + n, Global: true}
		}
		m.windowDB += n
		m.usage.DatabaseQueries += n
		a.dbRate += n
	case fault.ResourceTime:
		if n > 0 {
			m.usage.ExecutionTimeMs += n
		}
	case fault.ResourceFileSize:
		if m.limits.MaxFileSize > 0 && n > m.limits.MaxFileSize {
			return &fault.ResourceLimitError{Resource: r, Limit: m.limits.MaxFileSize, Used: n}
		}
	}
	return nil
}

// Usage returns a snapshot of the counters of id.
func (a *Accountant) Usage(id uuid.UUID) (Usage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.meters[id]
	if !ok {
		return Usage{}, false
	}
	return m.usage, true
}

// Retained returns the bytes retained over all sandboxes.
func (a *Accountant) Retained() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retained
}
