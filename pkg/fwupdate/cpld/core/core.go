// Package core defines the CPLD engine's contract, spec §4.5: the tagged
// variant factory in each family implementation dispatches through this
// interface. Grounded on pkg/hashing/core/interface.go's method-set shape,
// reduced from the teacher's hash-method capability surface to the two
// operations this spec's engines need.
package core

import "context"

// ProgressFunc reports a strictly non-decreasing percentage in [0,100].
type ProgressFunc func(percent int)

// Engine is the operation surface every CPLD family implements.
type Engine interface {
	// UpdateFirmware runs the full programming sequence for family and
	// returns once it reaches a terminal outcome.
	UpdateFirmware(ctx context.Context, image []byte, progress ProgressFunc) error
	// GetVersion reads the device's running user code.
	GetVersion(ctx context.Context) (uint32, error)
}
