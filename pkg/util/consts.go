package util

const (
	ComponentName = "omnistat"

	// LockFileName is the advisory lock held by a time-series server for as
	// long as it owns its storage directory.
	LockFileName = "flock.lock"
	// DataDirName is the storage subdirectory holding the series data.
	DataDirName = "data"
	// DefaultMarkerName marks a database loaded into the merged output when
	// markers are kept next to the source data.
	DefaultMarkerName = ".omnistat-loaded"
	// DefaultMergedDirName is the reserved output directory name inside a
	// multi-directory source root.
	DefaultMergedDirName = "merged"
	// PIDFileName records the server started by a user-mode session.
	PIDFileName = "omnistat-server.pid"
	// DieFileName is removed by the user to end a user-mode session.
	DieFileName = ".omnistat-running"

	DefaultServerBinary   = "victoria-metrics-prod"
	DefaultTargetAddress  = "127.0.0.1:9090"
	DefaultSourceAddress  = "127.0.0.1:9092"
	DefaultRetention      = "10y"
	DefaultExportFilter   = `{__name__!~"vm_.*"}`
	DefaultTransferFile   = "/tmp/omnistat-transfer.bin"
	MinimumServerVersion  = "1.42.0"
	DefaultIndexBindPort  = 9091
	DefaultScanJobsQuery  = "sum by (jobid) (rmsjob_info{})"
	DefaultScanServerAddr = "http://localhost:9090"

	DefaultUsermodeAddress = "127.0.0.1:8428"
	DefaultUsermodeDataDir = "data_prom"
	DefaultUsermodeLogFile = "prom_server.log"
)

// Time-series server HTTP surface.
const (
	HealthPath = "/-/healthy"
	ExportPath = "/api/v1/export/native"
	ImportPath = "/api/v1/import/native"
)
