package protocol

import (
	"errors"
	"fmt"
)

// Region errors
var (
	ErrEmptyRegion = errors.New("empty region")
	ErrOutOfRange  = errors.New("region out of range")
)

// Region is a byte range in device flash.
type Region struct {
	Address uint32
	Length  uint32
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return uint64(r.Address) + uint64(r.Length)
}

// Contains reports whether o lies completely inside r.
func (r Region) Contains(o Region) bool {
	return o.Address >= r.Address && o.End() <= r.End()
}

// Overlaps reports whether both regions share at least one byte.
func (r Region) Overlaps(o Region) bool {
	return uint64(r.Address) < o.End() && uint64(o.Address) < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%08X, 0x%08X)", r.Address, r.End())
}

// Validate checks the region is non-empty and fits a flash of the given size.
func (r Region) Validate(flashSize uint32) error {
	if r.Length == 0 {
		return &RegionError{Region: r, Limit: flashSize, Err: ErrEmptyRegion}
	}
	if r.End() > uint64(flashSize) {
		return &RegionError{Region: r, Limit: flashSize, Err: ErrOutOfRange}
	}
	return nil
}

// Align widens the region to multiples of granularity: the start is rounded
// down and the end rounded up. The result always contains r.
func (r Region) Align(granularity uint32) (Region, error) {
	if granularity <= 1 {
		return r, nil
	}

	g := uint64(granularity)
	start := uint64(r.Address) / g * g
	end := (r.End() + g - 1) / g * g
	if end > 1<<32 || end-start > 0xFFFFFFFF {
		return Region{}, &RegionError{Region: r, Limit: 0xFFFFFFFF, Err: ErrOutOfRange}
	}

	return Region{Address: uint32(start), Length: uint32(end - start)}, nil
}

// RegionError describes a region rejected before any device interaction.
type RegionError struct {
	Region Region
	Limit  uint32
	Err    error
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("region %s (flash size 0x%X): %v", e.Region, e.Limit, e.Err)
}

func (e *RegionError) Unwrap() error {
	return e.Err
}
