// ABOUTME: Version and product identity constants
// ABOUTME: Reported in logs and the status endpoint
package version

const (
	Version      = "0.3.0"
	Product      = "Squeezelink"
	Manufacturer = "SqueezeLink Project"
)
