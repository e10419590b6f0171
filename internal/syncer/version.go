package syncer

// Version information (set via ldflags)
var (
	Version = "v1.0.0"
	GitSHA  = "unknown"
)
