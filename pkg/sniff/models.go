package sniff

type MemStats struct {
	AllocMiB      uint64 `json:"alloc_mib"`
	TotalAllocMiB uint64 `json:"total_alloc_mib"`
	SysMiB        uint64 `json:"sys_mib"`
	NumGC         uint32 `json:"num_gc"`
}

type CPUStats struct {
	NumGoroutines int   `json:"num_goroutines"`
	NumCPU        int   `json:"num_cpu"`
	NumCgoCalls   int64 `json:"num_cgo_calls"`
}

// Stats is the document served on the status endpoint.
type Stats struct {
	Pid       int       `json:"pid"`
	Timestamp string    `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	MemStats  *MemStats `json:"mem_stats"`
	CPUStats  *CPUStats `json:"cpu_stats"`
	// Status is whatever the owning command reports about itself.
	Status any `json:"status,omitempty"`
}

// ServerConfig configures the metrics and status server.
type ServerConfig struct {
	// Host is the interface to listen on; empty listens on all interfaces.
	Host string
	// Port is the TCP port; 0 picks a free one.
	Port int
	// MetricsPath is where prometheus metrics are served.
	MetricsPath string
}
