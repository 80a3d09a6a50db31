// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package device

import "fmt"

// Kind identifies a device backend family.
type Kind int

// Supported backend kinds.
const (
	KindCPU Kind = iota
	KindCUDA
	KindOpenCL
	KindAccelerator
)

// String returns the Kind as a human-readable name.
func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindCUDA:
		return "cuda"
	case KindOpenCL:
		return "opencl"
	case KindAccelerator:
		return "accelerator"
	}
	return fmt.Sprintf("unknown (%d)", int(k))
}

// ScheduleHint advises the backend how the host thread should wait for
// device work.
type ScheduleHint int

// Schedule hints, mirroring the vendor runtime flags.
const (
	ScheduleAuto ScheduleHint = iota
	ScheduleSpin
	ScheduleYield
	ScheduleBlocking
)

// Descriptor identifies one mining device and its capability hints.
type Descriptor struct {
	// UniqueID is the stable device identity. For GPUs this is the PCI
	// bus id.
	UniqueID string

	// Name is the marketing name reported by the runtime.
	Name string

	// Kind is the backend family the device belongs to.
	Kind Kind

	// ComputeMajor and ComputeMinor are the device compute capability,
	// where the backend reports one.
	ComputeMajor uint32
	ComputeMinor uint32

	// TotalMemory and FreeMemory are the device memory capability hints
	// used for DAG admission control.
	TotalMemory uint64
	FreeMemory  uint64

	// MaxWorkgroupSize is the largest launchable workgroup.
	MaxWorkgroupSize uint32
}

// MaxSearchResults is the candidate capacity of one mapped result buffer.
// It is deliberately small: batches yielding more candidates than this are
// statistically impossible at sane difficulties.
const MaxSearchResults = 4

// SearchResult is one candidate reported by a search batch.
type SearchResult struct {
	// GID is the global thread index that found the candidate; the
	// winning nonce is the batch start nonce plus GID.
	GID uint32

	// Mix is the candidate's mix hash.
	Mix [32]byte
}

// SearchResults is the mapped result buffer written by a search batch.
type SearchResults struct {
	Count   uint32
	Results [MaxSearchResults]SearchResult
}

// Buffer is an opaque device memory handle.
type Buffer interface{}

// Kernel is an opaque compiled kernel handle.
type Kernel interface{}

// Stream is an opaque work queue handle. Work launched on one stream
// completes in launch order; streams are independent of each other.
type Stream interface{}

// Backend enumerates devices and opens contexts on them.
type Backend interface {
	// Name returns the backend family name.
	Name() string

	// Enumerate lists the devices this backend can drive.
	Enumerate() ([]Descriptor, error)

	// AcquireContext opens an exclusive context on the device.
	AcquireContext(desc Descriptor, hint ScheduleHint) (Context, error)
}

// Context is an acquired device. All methods are only safe from the
// owning worker goroutine except StreamSync, which blocks until earlier
// launches on the stream complete.
type Context interface {
	// AllocDevice allocates device memory.
	AllocDevice(size uint64) (Buffer, error)

	// FreeDevice releases device memory.
	FreeDevice(buf Buffer) error

	// CopyToDevice copies host bytes into a device buffer.
	CopyToDevice(buf Buffer, data []byte) error

	// CreateStream creates a non-blocking work stream.
	CreateStream() (Stream, error)

	// BuildDAG expands the light cache into the full dataset on the
	// device.
	BuildDAG(dag Buffer, dagSize uint64, light Buffer, lightItems uint32,
		grid, block uint32, stream Stream) error

	// CompileKernel compiles generated kernel source for the device.
	CompileKernel(source string, options []string,
		computeMajor, computeMinor uint32) (Kernel, error)

	// Launch queues one search batch of grid*block nonces starting at
	// startNonce. Candidates at or below the 64-bit target are written
	// to the mapped results buffer.
	Launch(kernel Kernel, grid, block uint32, stream Stream,
		startNonce uint64, header [32]byte, target uint64,
		dag Buffer, results *SearchResults) error

	// StreamSync blocks until every launch queued on the stream has
	// completed.
	StreamSync(stream Stream) error

	// Release tears down the context and frees its resources.
	Release() error
}
