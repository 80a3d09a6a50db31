// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package device

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/meowcoin/meowminer/internal/ethash"
	"github.com/meowcoin/meowminer/internal/progpow"
)

// CPUBackend is the host-resident reference backend. Its "kernel
// launches" run the reference search loop on the host; it exists to mine
// on machines without GPUs, to drive the simulation client and to give
// tests a real backend without vendor SDKs.
type CPUBackend struct {
	instances int
}

// NewCPUBackend creates a CPU backend exposing the provided number of
// logical devices. Zero instances defaults to one.
func NewCPUBackend(instances int) *CPUBackend {
	if instances <= 0 {
		instances = 1
	}
	return &CPUBackend{instances: instances}
}

// Name returns the backend family name.
func (b *CPUBackend) Name() string { return "cpu" }

// Enumerate lists one descriptor per configured logical device. Memory
// capability hints come from the host virtual memory statistics.
func (b *CPUBackend) Enumerate() ([]Descriptor, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		desc := fmt.Sprintf("unable to read host memory info: %v", err)
		return nil, MakeError(ErrDeviceUnavailable, desc)
	}

	descs := make([]Descriptor, 0, b.instances)
	for i := 0; i < b.instances; i++ {
		descs = append(descs, Descriptor{
			UniqueID:         fmt.Sprintf("cpu:%02d", i),
			Name:             fmt.Sprintf("CPU %d/%d (%s)", i+1, b.instances, runtime.GOARCH),
			Kind:             KindCPU,
			TotalMemory:      vm.Total,
			FreeMemory:       vm.Available,
			MaxWorkgroupSize: 1024,
		})
	}
	return descs, nil
}

// AcquireContext opens a context on the logical device. The schedule hint
// is accepted for interface parity and ignored: the host scheduler
// already provides blocking waits.
func (b *CPUBackend) AcquireContext(desc Descriptor, hint ScheduleHint) (Context, error) {
	return &cpuContext{
		desc:    desc,
		buffers: make(map[*cpuBuffer]struct{}),
	}, nil
}

// cpuBuffer is a host slab standing in for device memory.
type cpuBuffer struct {
	data []byte
}

// cpuKernel carries the epoch and period the generated source was built
// for. The host search regenerates dataset items from the shared epoch
// context rather than reading a device DAG.
type cpuKernel struct {
	epoch  uint32
	period uint64
}

// cpuStream serializes launched batches the way a device stream would.
type cpuStream struct {
	mtx     sync.Mutex
	pending []chan struct{}
}

type cpuContext struct {
	desc     Descriptor
	mtx      sync.Mutex
	buffers  map[*cpuBuffer]struct{}
	released bool
}

func (c *cpuContext) AllocDevice(size uint64) (Buffer, error) {
	buf := &cpuBuffer{data: make([]byte, size)}
	c.mtx.Lock()
	c.buffers[buf] = struct{}{}
	c.mtx.Unlock()
	return buf, nil
}

func (c *cpuContext) FreeDevice(buf Buffer) error {
	b, ok := buf.(*cpuBuffer)
	if !ok {
		return MakeError(ErrInvalidHandle, "not a cpu buffer")
	}
	c.mtx.Lock()
	delete(c.buffers, b)
	c.mtx.Unlock()
	b.data = nil
	return nil
}

func (c *cpuContext) CopyToDevice(buf Buffer, data []byte) error {
	b, ok := buf.(*cpuBuffer)
	if !ok {
		return MakeError(ErrInvalidHandle, "not a cpu buffer")
	}
	if len(data) > len(b.data) {
		desc := fmt.Sprintf("copy of %d bytes exceeds buffer of %d",
			len(data), len(b.data))
		return MakeError(ErrOutOfMemory, desc)
	}
	copy(b.data, data)
	return nil
}

func (c *cpuContext) CreateStream() (Stream, error) {
	return &cpuStream{}, nil
}

// BuildDAG is a no-op for the host backend: the search path regenerates
// dataset items lazily from the shared epoch context, which is both
// smaller and faster than materializing a host DAG per worker.
func (c *cpuContext) BuildDAG(dag Buffer, dagSize uint64, light Buffer,
	lightItems uint32, grid, block uint32, stream Stream) error {

	if _, ok := dag.(*cpuBuffer); !ok {
		return MakeError(ErrInvalidHandle, "not a cpu buffer")
	}
	return nil
}

// CompileKernel parses the worker-supplied epoch and period out of the
// compile options. The generated source itself is only validated for
// non-emptiness; the host executes the reference loop, which is the
// semantics the source was generated from.
func (c *cpuContext) CompileKernel(source string, options []string,
	computeMajor, computeMinor uint32) (Kernel, error) {

	if source == "" {
		return nil, MakeError(ErrKernelCompile, "empty kernel source")
	}

	k := &cpuKernel{}
	var haveEpoch, havePeriod bool
	for _, opt := range options {
		switch {
		case strings.HasPrefix(opt, "epoch="):
			v, err := strconv.ParseUint(opt[len("epoch="):], 10, 32)
			if err != nil {
				desc := fmt.Sprintf("invalid epoch option %q: %v", opt, err)
				return nil, MakeError(ErrKernelCompile, desc)
			}
			k.epoch = uint32(v)
			haveEpoch = true

		case strings.HasPrefix(opt, "period="):
			v, err := strconv.ParseUint(opt[len("period="):], 10, 64)
			if err != nil {
				desc := fmt.Sprintf("invalid period option %q: %v", opt, err)
				return nil, MakeError(ErrKernelCompile, desc)
			}
			k.period = v
			havePeriod = true
		}
	}
	if !haveEpoch || !havePeriod {
		return nil, MakeError(ErrKernelCompile,
			"missing epoch/period compile options")
	}
	return k, nil
}

// Launch queues one host search batch on the stream.
func (c *cpuContext) Launch(kernel Kernel, grid, block uint32, stream Stream,
	startNonce uint64, header [32]byte, target uint64,
	dag Buffer, results *SearchResults) error {

	k, ok := kernel.(*cpuKernel)
	if !ok {
		return MakeError(ErrInvalidHandle, "not a cpu kernel")
	}
	s, ok := stream.(*cpuStream)
	if !ok {
		return MakeError(ErrInvalidHandle, "not a cpu stream")
	}

	done := make(chan struct{})
	s.mtx.Lock()
	s.pending = append(s.pending, done)
	s.mtx.Unlock()

	go func() {
		defer close(done)
		searchBatch(k, startNonce, uint64(grid)*uint64(block), header,
			target, results)
	}()
	return nil
}

// searchBatch runs the reference search over one batch, reporting
// candidates GPU-style: thread index plus mix hash, capped at the mapped
// buffer capacity.
func searchBatch(k *cpuKernel, startNonce, count uint64, header [32]byte,
	target uint64, results *SearchResults) {

	ctx := ethash.GetContext(k.epoch, false)
	defer ethash.ReleaseContext(k.epoch)

	// The kernel comparison is against the upper 64 bits only; padding
	// the rest of the boundary keeps borderline candidates, which the
	// farm re-verifies anyway.
	var boundary ethash.Hash256
	for i := range boundary {
		boundary[i] = 0xff
	}
	boundary[0] = byte(target >> 56)
	boundary[1] = byte(target >> 48)
	boundary[2] = byte(target >> 40)
	boundary[3] = byte(target >> 32)
	boundary[4] = byte(target >> 24)
	boundary[5] = byte(target >> 16)
	boundary[6] = byte(target >> 8)
	boundary[7] = byte(target)

	hdr, _ := ethash.HashFromBytes(header[:])
	found := progpow.Search(ctx, k.period, hdr, boundary, startNonce, count)
	for _, f := range found {
		idx := results.Count
		if idx >= MaxSearchResults {
			break
		}
		results.Results[idx] = SearchResult{
			GID: uint32(f.Nonce - startNonce),
			Mix: f.MixHash,
		}
		results.Count = idx + 1
	}
}

// StreamSync waits for every batch queued on the stream.
func (c *cpuContext) StreamSync(stream Stream) error {
	s, ok := stream.(*cpuStream)
	if !ok {
		return MakeError(ErrInvalidHandle, "not a cpu stream")
	}
	s.mtx.Lock()
	pending := s.pending
	s.pending = nil
	s.mtx.Unlock()
	for _, ch := range pending {
		<-ch
	}
	return nil
}

// Release frees every live buffer and invalidates the context.
func (c *cpuContext) Release() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for buf := range c.buffers {
		buf.data = nil
	}
	c.buffers = make(map[*cpuBuffer]struct{})
	c.released = true
	return nil
}
