// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progpow

import (
	"fmt"
	"strings"
)

// KernelKind selects the flavor of generated kernel source.
type KernelKind int

const (
	// KernelCuda generates CUDA C flavored source.
	KernelCuda KernelKind = iota

	// KernelOpenCL generates OpenCL C flavored source.
	KernelOpenCL
)

// String returns the KernelKind as a human-readable name.
func (k KernelKind) String() string {
	switch k {
	case KernelCuda:
		return "cuda"
	case KernelOpenCL:
		return "opencl"
	}
	return "unknown"
}

// KernelSource generates the backend-neutral search kernel source for the
// provided period's random program. The output is deterministic in
// (period, kind) and textually stable: the same inputs always produce the
// same bytes, so backends can cache compiled kernels by period.
//
// The emitted text contains the period program body only; the static
// keccak and search scaffolding is appended by the device backend from
// its own kernel template.
func KernelSource(period uint64, kind KernelKind) string {
	u := unrollProgram(period)

	var b strings.Builder
	fmt.Fprintf(&b, "// MeowPoW period %d program\n", period)
	fmt.Fprintf(&b, "#define PROGPOW_LANES %d\n", numLanes)
	fmt.Fprintf(&b, "#define PROGPOW_REGS %d\n", numRegs)
	fmt.Fprintf(&b, "#define PROGPOW_PERIOD %d\n", PeriodLength)

	switch kind {
	case KernelOpenCL:
		b.WriteString("#define DEV_INLINE inline\n")
		b.WriteString("typedef uint uint32_t;\n")
	default:
		b.WriteString("#define DEV_INLINE __device__ __forceinline__\n")
	}

	b.WriteString("\nDEV_INLINE void progpow_body(uint32_t mix[PROGPOW_REGS], " +
		"const uint32_t* c_dag, const uint32_t* dag_entry, uint32_t lane_base)\n{\n")
	b.WriteString("    uint32_t data;\n")

	for _, s := range u.steps {
		if s.cache {
			fmt.Fprintf(&b, "    // cache load\n")
			fmt.Fprintf(&b, "    data = c_dag[mix[%d] %% %d];\n",
				s.src1, l1CacheWords)
			fmt.Fprintf(&b, "    mix[%d] = %s;\n",
				s.dst, mergeSource(fmt.Sprintf("mix[%d]", s.dst), "data", s.sel1))
			continue
		}
		fmt.Fprintf(&b, "    data = %s;\n",
			mathSource(fmt.Sprintf("mix[%d]", s.src1),
				fmt.Sprintf("mix[%d]", s.src2), s.sel1))
		fmt.Fprintf(&b, "    mix[%d] = %s;\n",
			s.dst, mergeSource(fmt.Sprintf("mix[%d]", s.dst), "data", s.sel2))
	}

	b.WriteString("    // dataset merge\n")
	for i := 0; i < dagWordsPerLane; i++ {
		fmt.Fprintf(&b, "    mix[%d] = %s;\n", u.dagDsts[i],
			mergeSource(fmt.Sprintf("mix[%d]", u.dagDsts[i]),
				fmt.Sprintf("dag_entry[lane_base + %d]", i), u.dagSels[i]))
	}
	b.WriteString("}\n")
	return b.String()
}

// l1CacheWords mirrors ethash.L1CacheWords without importing the constant
// into the emitted text through a format verb.
const l1CacheWords = 16 * 1024 / 4

// mergeSource renders the merge function as source text for the given
// selector, matching merge() exactly.
func mergeSource(a, b string, r uint32) string {
	switch r % 4 {
	case 0:
		return fmt.Sprintf("(%s * 33) + %s", a, b)
	case 1:
		return fmt.Sprintf("(%s ^ %s) * 33", a, b)
	case 2:
		return fmt.Sprintf("ROTL32(%s, %d) ^ %s", a, ((r>>16)%31)+1, b)
	default:
		return fmt.Sprintf("ROTR32(%s, %d) ^ %s", a, ((r>>16)%31)+1, b)
	}
}

// mathSource renders the random math op as source text for the given
// selector, matching mathOp() exactly.
func mathSource(a, b string, r uint32) string {
	switch r % 11 {
	case 0:
		return fmt.Sprintf("%s + %s", a, b)
	case 1:
		return fmt.Sprintf("%s * %s", a, b)
	case 2:
		return fmt.Sprintf("mul_hi(%s, %s)", a, b)
	case 3:
		return fmt.Sprintf("min(%s, %s)", a, b)
	case 4:
		return fmt.Sprintf("ROTL32(%s, %s %% 32)", a, b)
	case 5:
		return fmt.Sprintf("ROTR32(%s, %s %% 32)", a, b)
	case 6:
		return fmt.Sprintf("%s & %s", a, b)
	case 7:
		return fmt.Sprintf("%s | %s", a, b)
	case 8:
		return fmt.Sprintf("%s ^ %s", a, b)
	case 9:
		return fmt.Sprintf("clz(%s) + clz(%s)", a, b)
	default:
		return fmt.Sprintf("popcount(%s) + popcount(%s)", a, b)
	}
}
