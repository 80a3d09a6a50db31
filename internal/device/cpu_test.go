// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package device

import (
	"errors"
	"testing"

	"github.com/meowcoin/meowminer/internal/ethash"
	"github.com/meowcoin/meowminer/internal/progpow"
)

func TestCPUEnumerate(t *testing.T) {
	backend := NewCPUBackend(3)
	descs, err := backend.Enumerate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(descs) != 3 {
		t.Fatalf("device count: got %d, want 3", len(descs))
	}
	seen := make(map[string]bool)
	for idx, d := range descs {
		if d.Kind != KindCPU {
			t.Fatalf("device %d: kind %v, want cpu", idx, d.Kind)
		}
		if d.TotalMemory == 0 {
			t.Fatalf("device %d: zero total memory", idx)
		}
		if seen[d.UniqueID] {
			t.Fatalf("duplicate device id %s", d.UniqueID)
		}
		seen[d.UniqueID] = true
	}
}

func TestCPUBuffers(t *testing.T) {
	backend := NewCPUBackend(1)
	descs, err := backend.Enumerate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, err := backend.AcquireContext(descs[0], ScheduleAuto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ctx.Release()

	buf, err := ctx.AllocDevice(64)
	if err != nil {
		t.Fatalf("alloc: unexpected error: %v", err)
	}
	if err := ctx.CopyToDevice(buf, make([]byte, 64)); err != nil {
		t.Fatalf("copy: unexpected error: %v", err)
	}
	if err := ctx.CopyToDevice(buf, make([]byte, 65)); err == nil {
		t.Fatal("expected error copying past the buffer end")
	}
	if err := ctx.FreeDevice(buf); err != nil {
		t.Fatalf("free: unexpected error: %v", err)
	}
	if err := ctx.FreeDevice("bogus"); err == nil {
		t.Fatal("expected error freeing a foreign handle")
	}
}

func TestCPUCompileKernel(t *testing.T) {
	backend := NewCPUBackend(1)
	descs, _ := backend.Enumerate()
	ctx, err := backend.AcquireContext(descs[0], ScheduleAuto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ctx.Release()

	src := progpow.KernelSource(0, progpow.KernelCuda)

	if _, err := ctx.CompileKernel("", nil, 0, 0); err == nil {
		t.Fatal("expected error for empty source")
	}
	_, err = ctx.CompileKernel(src, []string{"epoch=0"}, 0, 0)
	if !errors.Is(err, ErrKernelCompile) {
		t.Fatalf("missing period option: got %v, want ErrKernelCompile", err)
	}
	if _, err := ctx.CompileKernel(src,
		[]string{"epoch=0", "period=0"}, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestCPUSearch launches one permissive batch and asserts every thread
// reports a candidate whose mix matches the reference hash.
func TestCPUSearch(t *testing.T) {
	backend := NewCPUBackend(1)
	descs, _ := backend.Enumerate()
	ctx, err := backend.AcquireContext(descs[0], ScheduleAuto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ctx.Release()

	kernel, err := ctx.CompileKernel(
		progpow.KernelSource(0, progpow.KernelCuda),
		[]string{"epoch=0", "period=0"}, 0, 0)
	if err != nil {
		t.Fatalf("compile: unexpected error: %v", err)
	}
	stream, err := ctx.CreateStream()
	if err != nil {
		t.Fatalf("stream: unexpected error: %v", err)
	}

	headerHash := ethash.Keccak256([]byte("cpu search"))
	var header [32]byte
	copy(header[:], headerHash[:])

	const startNonce = 5000
	var results SearchResults
	err = ctx.Launch(kernel, 1, 4, stream, startNonce, header,
		^uint64(0), nil, &results)
	if err != nil {
		t.Fatalf("launch: unexpected error: %v", err)
	}
	if err := ctx.StreamSync(stream); err != nil {
		t.Fatalf("sync: unexpected error: %v", err)
	}

	if results.Count != 4 {
		t.Fatalf("candidate count: got %d, want 4", results.Count)
	}

	epochCtx := ethash.GetContext(0, false)
	defer ethash.ReleaseContext(0)
	for i := uint32(0); i < results.Count; i++ {
		res := results.Results[i]
		nonce := startNonce + uint64(res.GID)
		want := progpow.Hash(epochCtx, 0, headerHash, nonce)
		mix, _ := ethash.HashFromBytes(res.Mix[:])
		if mix != want.MixHash {
			t.Fatalf("candidate %d: mix mismatch for nonce %d", i, nonce)
		}
	}
}
