package svinit

// WatchEvent reports a settled change in a watched descriptor directory
type WatchEvent struct {
	// Files lists the descriptor files touched since the previous event
	Files []string
	Err   error
}

// WatchCleanupFunc stops a watch and waits for its goroutines to exit
type WatchCleanupFunc func() error
