package svinit

import "os"

// Version is the current version of the svinit library and daemons
const Version = "0.3.0"

// ProtocolVersion is the version of the control and session protocols
const ProtocolVersion = 1

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string `cbor:"version"`
	// Protocol is the control protocol version spoken
	Protocol int `cbor:"protocol"`
	// PID is the process answering
	PID int `cbor:"pid"`
}

// GetVersion returns the version information of the current process
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:  Version,
		Protocol: ProtocolVersion,
		PID:      os.Getpid(),
	}
}
