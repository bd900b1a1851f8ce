package security

import "time"

// Ceilings is the security block of a manifest, zero means process default.
type Ceilings struct {
	MaxMemoryMB        int64 `yaml:"maxMemoryMB" json:"maxMemoryMB"`
	MaxExecutionTimeMs int64 `yaml:"maxExecutionTimeMs" json:"maxExecutionTimeMs"`
	MaxFileSizeKB      int64 `yaml:"maxFileSizeKB" json:"maxFileSizeKB"`
	MaxNetworkRequests int64 `yaml:"maxNetworkRequests" json:"maxNetworkRequests"`
	MaxDatabaseQueries int64 `yaml:"maxDatabaseQueries" json:"maxDatabaseQueries"`
}

// Limits are the effective per-sandbox ceilings.
// Network and database counts apply per accounting window (one call).
type Limits struct {
	MaxMemory          int64         `json:"maxMemoryBytes"`
	MaxExecutionTime   time.Duration `json:"maxExecutionTime"`
	MaxFileSize        int64         `json:"maxFileSizeBytes"`
	MaxNetworkRequests int64         `json:"maxNetworkRequests"`
	MaxDatabaseQueries int64         `json:"maxDatabaseQueries"`
}

// DefaultLimits returns the built-in process defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxMemory:          100 << 20,
		MaxExecutionTime:   5000 * time.Millisecond,
		MaxFileSize:        1024 << 10,
		MaxNetworkRequests: 10,
		MaxDatabaseQueries: 50,
	}
}

// Apply returns l overridden by every positive field of c.
func (l Limits) Apply(c Ceilings) Limits {
	if c.MaxMemoryMB > 0 {
		l.MaxMemory = c.MaxMemoryMB << 20
	}
	if c.MaxExecutionTimeMs > 0 {
		l.MaxExecutionTime = time.Duration(c.MaxExecutionTimeMs) * time.Millisecond
	}
	if c.MaxFileSizeKB > 0 {
		l.MaxFileSize = c.MaxFileSizeKB << 10
	}
	if c.MaxNetworkRequests > 0 {
		l.MaxNetworkRequests = c.MaxNetworkRequests
	}
	if c.MaxDatabaseQueries > 0 {
		l.MaxDatabaseQueries = c.MaxDatabaseQueries
	}
	return l
}

// Usage is a snapshot of one sandbox's counters.
type Usage struct {
	MemoryBytes     int64 `json:"memoryBytes"`   // high-water mark of retained bytes
	RetainedBytes   int64 `json:"retainedBytes"` // currently retained bytes
	ExecutionTimeMs int64 `json:"executionTimeMs"`
	NetworkRequests int64 `json:"networkRequests"`
	DatabaseQueries int64 `json:"databaseQueries"`
	Calls           int64 `json:"calls"`
}
