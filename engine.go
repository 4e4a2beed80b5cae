// Package engine identifies the Waypost workflow engine build
package engine

const (
	// Name is the service name reported in logs and health output
	Name = "waypost"

	// Version is the engine release version
	Version = "0.4.2"
)
