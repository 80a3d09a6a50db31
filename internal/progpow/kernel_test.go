// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progpow

import (
	"strings"
	"testing"
)

// TestKernelSourceStability asserts the generator is deterministic in
// (period, kind): repeated generation yields byte-identical text, so
// backends can cache compiled kernels by period.
func TestKernelSourceStability(t *testing.T) {
	for _, kind := range []KernelKind{KernelCuda, KernelOpenCL} {
		a := KernelSource(5, kind)
		b := KernelSource(5, kind)
		if a != b {
			t.Fatalf("%v kernel source for period 5 is unstable", kind)
		}
	}
}

// TestKernelSourcePeriods asserts adjacent periods produce different
// programs; the two-slot kernel buffer depends on this.
func TestKernelSourcePeriods(t *testing.T) {
	a := KernelSource(5, KernelCuda)
	b := KernelSource(6, KernelCuda)
	if a == b {
		t.Fatal("adjacent periods generated identical programs")
	}
}

func TestKernelSourceShape(t *testing.T) {
	src := KernelSource(0, KernelCuda)
	for _, want := range []string{
		"#define PROGPOW_LANES 16",
		"#define PROGPOW_REGS 32",
		"progpow_body",
		"// dataset merge",
	} {
		if !strings.Contains(src, want) {
			t.Fatalf("cuda kernel source missing %q", want)
		}
	}

	clSrc := KernelSource(0, KernelOpenCL)
	if !strings.Contains(clSrc, "typedef uint uint32_t;") {
		t.Fatal("opencl kernel source missing type shim")
	}
	if strings.Contains(clSrc, "__device__") {
		t.Fatal("opencl kernel source carries cuda qualifiers")
	}
}
