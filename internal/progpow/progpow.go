// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progpow

import (
	"encoding/binary"
	"math/bits"

	"github.com/meowcoin/meowminer/internal/ethash"
)

// MeowPoW program parameters. The random program is regenerated every
// PeriodLength blocks; the remaining knobs size the register file and the
// per-loop op mix.
const (
	// PeriodLength is the number of blocks sharing one random program.
	PeriodLength = 10

	// numLanes is the number of parallel mixing lanes.
	numLanes = 16

	// numRegs is the per-lane register file size.
	numRegs = 32

	// numCacheAccesses is the number of L1 cache reads per loop round.
	numCacheAccesses = 11

	// numMathOps is the number of random math ops per loop round.
	numMathOps = 18

	// dagWordsPerLane is the share of a 2048-bit dataset entry consumed
	// by each lane every round.
	dagWordsPerLane = (ethash.Hash2048Size / 4) / numLanes

	fnvOffsetBasis = 0x811c9dc5
	fnvPrime       = 0x01000193
)

// Period returns the program period for the provided block height.
func Period(block uint64) uint64 {
	return block / PeriodLength
}

// fnv1a is the FNV-1a variant used for rng seeding and digest folding.
func fnv1a(h, d uint32) uint32 {
	return (h ^ d) * fnvPrime
}

// kiss99 is the KISS99 generator driving both the program generation and
// the lane register initialization. It is deliberately tiny and exactly
// reproducible on every backend.
type kiss99 struct {
	z, w, jsr, jcong uint32
}

func (k *kiss99) next() uint32 {
	k.z = 36969*(k.z&65535) + (k.z >> 16)
	k.w = 18000*(k.w&65535) + (k.w >> 16)
	mwc := (k.z << 16) + k.w
	k.jsr ^= k.jsr << 17
	k.jsr ^= k.jsr >> 13
	k.jsr ^= k.jsr << 5
	k.jcong = 69069*k.jcong + 1234567
	return (mwc ^ k.jcong) + k.jsr
}

// newKiss99 seeds the generator from two 32-bit words.
func newKiss99(lo, hi uint32) kiss99 {
	var k kiss99
	k.z = fnv1a(fnvOffsetBasis, lo)
	k.w = fnv1a(k.z, hi)
	k.jsr = fnv1a(k.w, lo)
	k.jcong = fnv1a(k.jsr, hi)
	return k
}

// fillMix initializes one lane's register file from the seed.
func fillMix(seed uint64, lane uint32) [numRegs]uint32 {
	var k kiss99
	k.z = fnv1a(fnvOffsetBasis, uint32(seed))
	k.w = fnv1a(k.z, uint32(seed>>32))
	k.jsr = fnv1a(k.w, lane)
	k.jcong = fnv1a(k.jsr, lane)

	var mix [numRegs]uint32
	for i := range mix {
		mix[i] = k.next()
	}
	return mix
}

// program is the period-specific random program: a kiss99 stream plus two
// shuffled register orderings guaranteeing every destination and source
// register is touched once per cycle.
type program struct {
	rng     kiss99
	dstSeq  [numRegs]uint32
	srcSeq  [numRegs]uint32
	dstIdx  int
	srcIdx  int
}

// newProgram derives the random program for a period.
func newProgram(period uint64) *program {
	p := &program{
		rng: newKiss99(uint32(period), uint32(period>>32)),
	}
	for i := uint32(0); i < numRegs; i++ {
		p.dstSeq[i] = i
		p.srcSeq[i] = i
	}
	// Fisher-Yates driven by the program rng keeps the sequences
	// deterministic in the period.
	for i := numRegs - 1; i > 0; i-- {
		j := p.rng.next() % uint32(i+1)
		p.dstSeq[i], p.dstSeq[j] = p.dstSeq[j], p.dstSeq[i]
		j = p.rng.next() % uint32(i+1)
		p.srcSeq[i], p.srcSeq[j] = p.srcSeq[j], p.srcSeq[i]
	}
	return p
}

func (p *program) nextDst() uint32 {
	v := p.dstSeq[p.dstIdx%numRegs]
	p.dstIdx++
	return v
}

func (p *program) nextSrc() uint32 {
	v := p.srcSeq[p.srcIdx%numRegs]
	p.srcIdx++
	return v
}

// merge blends a new value into a register without discarding entropy
// from either input.
func merge(a, b, r uint32) uint32 {
	switch r % 4 {
	case 0:
		return a*33 + b
	case 1:
		return (a ^ b) * 33
	case 2:
		return bits.RotateLeft32(a, int(((r>>16)%31)+1)) ^ b
	default:
		return bits.RotateLeft32(a, -int(((r>>16)%31)+1)) ^ b
	}
}

// mathOp applies one of eleven random math operations.
func mathOp(a, b, r uint32) uint32 {
	switch r % 11 {
	case 0:
		return a + b
	case 1:
		return a * b
	case 2:
		return uint32((uint64(a) * uint64(b)) >> 32)
	case 3:
		if a < b {
			return a
		}
		return b
	case 4:
		return bits.RotateLeft32(a, int(b%32))
	case 5:
		return bits.RotateLeft32(a, -int(b%32))
	case 6:
		return a & b
	case 7:
		return a | b
	case 8:
		return a ^ b
	case 9:
		return uint32(bits.LeadingZeros32(a) + bits.LeadingZeros32(b))
	default:
		return uint32(bits.OnesCount32(a) + bits.OnesCount32(b))
	}
}

// loopStep is one recorded instruction of the unrolled program, shared by
// the host loop and the kernel source generator so both execute the exact
// same sequence.
type loopStep struct {
	cache bool
	src1  uint32
	src2  uint32
	dst   uint32
	sel1  uint32
	sel2  uint32
}

// unrolled records the full instruction sequence of one period's loop body,
// followed by the dataset merge destinations and selectors.
type unrolled struct {
	steps    []loopStep
	dagDsts  [dagWordsPerLane]uint32
	dagSels  [dagWordsPerLane]uint32
}

// unrollProgram materializes the instruction sequence for a period.
func unrollProgram(period uint64) *unrolled {
	p := newProgram(period)
	u := &unrolled{}

	max := numMathOps
	if numCacheAccesses > max {
		max = numCacheAccesses
	}
	for i := 0; i < max; i++ {
		if i < numCacheAccesses {
			u.steps = append(u.steps, loopStep{
				cache: true,
				src1:  p.nextSrc(),
				dst:   p.nextDst(),
				sel1:  p.rng.next(),
			})
		}
		if i < numMathOps {
			u.steps = append(u.steps, loopStep{
				src1: p.rng.next() % numRegs,
				src2: p.rng.next() % numRegs,
				sel1: p.rng.next(),
				dst:  p.nextDst(),
				sel2: p.rng.next(),
			})
		}
	}
	for i := 0; i < dagWordsPerLane; i++ {
		u.dagDsts[i] = p.nextDst()
		u.dagSels[i] = p.rng.next()
	}
	return u
}

// mixState is the full 16-lane register file.
type mixState [numLanes][numRegs]uint32

// initMix seeds every lane from the 64-bit seed.
func initMix(seed uint64) *mixState {
	var mix mixState
	for l := uint32(0); l < numLanes; l++ {
		mix[l] = fillMix(seed, l)
	}
	return &mix
}

// round runs one loop iteration: a 2048-bit dataset load shared by all
// lanes plus the period program's cache and math ops.
func round(ctx *ethash.EpochContext, u *unrolled, loopIdx uint32, mix *mixState) {
	entries := ctx.FullDatasetNumItems / 2
	entryIdx := mix[loopIdx%numLanes][0] % entries
	entry := ctx.LookupDatasetItem2048(entryIdx)

	for _, s := range u.steps {
		if s.cache {
			for l := uint32(0); l < numLanes; l++ {
				offset := mix[l][s.src1] % ethash.L1CacheWords
				mix[l][s.dst] = merge(mix[l][s.dst], ctx.L1Cache[offset], s.sel1)
			}
			continue
		}
		for l := uint32(0); l < numLanes; l++ {
			data := mathOp(mix[l][s.src1], mix[l][s.src2], s.sel1)
			mix[l][s.dst] = merge(mix[l][s.dst], data, s.sel2)
		}
	}

	// Consume the dataset entry: each lane takes a rotated slice so the
	// whole 2048-bit load feeds the register file.
	for l := uint32(0); l < numLanes; l++ {
		base := ((l ^ loopIdx) % numLanes) * dagWordsPerLane
		for i := 0; i < dagWordsPerLane; i++ {
			word := entry.Word(base + uint32(i))
			mix[l][u.dagDsts[i]] = merge(mix[l][u.dagDsts[i]], word, u.dagSels[i])
		}
	}
}

// compressMix folds the register file down to the 256-bit mix digest:
// an FNV-1a reduce per lane, then the sixteen lane words folded into
// eight digest words.
func compressMix(mix *mixState) [32]byte {
	var laneHash [numLanes]uint32
	for l := 0; l < numLanes; l++ {
		laneHash[l] = fnvOffsetBasis
		for r := 0; r < numRegs; r++ {
			laneHash[l] = fnv1a(laneHash[l], mix[l][r])
		}
	}

	var digest [8]uint32
	for i := range digest {
		digest[i] = fnvOffsetBasis
	}
	for l := 0; l < numLanes; l++ {
		digest[l%8] = fnv1a(digest[l%8], laneHash[l])
	}

	var out [32]byte
	for i, w := range digest {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// hashSeed computes the 512-bit mixing seed from the header hash and the
// little-endian nonce.
func hashSeed(header ethash.Hash256, nonce uint64) ethash.Hash512 {
	var nonceLE [8]byte
	binary.LittleEndian.PutUint64(nonceLE[:], nonce)
	return ethash.Keccak512(header[:], nonceLE[:])
}

// hashMix runs the memory-hard loop for the provided period program and
// returns the mix hash.
func hashMix(ctx *ethash.EpochContext, period uint64, seed ethash.Hash512) ethash.Hash256 {
	seed64 := binary.LittleEndian.Uint64(seed[:8])
	mix := initMix(seed64)
	u := unrollProgram(period)
	for i := uint32(0); i < ethash.NumDatasetAccesses; i++ {
		round(ctx, u, i, mix)
	}
	digest := compressMix(mix)
	return ethash.Keccak256(digest[:])
}

// hashFinal computes the final hash from the seed and the mix hash.
func hashFinal(seed ethash.Hash512, mixHash ethash.Hash256) ethash.Hash256 {
	return ethash.Keccak256(seed[:], mixHash[:])
}

// Result holds both digests of a full hash round.
type Result struct {
	FinalHash ethash.Hash256
	MixHash   ethash.Hash256
}

// Hash performs a full MeowPoW round for the given nonce against the
// provided epoch context and program period.
func Hash(ctx *ethash.EpochContext, period uint64, header ethash.Hash256, nonce uint64) Result {
	seed := hashSeed(header, nonce)
	mixHash := hashMix(ctx, period, seed)
	return Result{
		FinalHash: hashFinal(seed, mixHash),
		MixHash:   mixHash,
	}
}

// VerificationResult enumerates the outcomes of a full verification.
type VerificationResult int

const (
	// Ok indicates the solution verified against the boundary.
	Ok VerificationResult = iota

	// InvalidNonce indicates the recomputed final hash is above the
	// boundary.
	InvalidNonce

	// InvalidMixHash indicates the provided mix hash does not match the
	// recomputed mix.
	InvalidMixHash
)

// String returns the VerificationResult as a human-readable name.
func (v VerificationResult) String() string {
	switch v {
	case Ok:
		return "Ok"
	case InvalidNonce:
		return "InvalidNonce"
	case InvalidMixHash:
		return "InvalidMixHash"
	}
	return "Unknown"
}

// VerifyLight verifies only the final hash, trusting the provided mix
// hash. It does not traverse the memory-hard part.
func VerifyLight(header, mixHash ethash.Hash256, nonce uint64, boundary ethash.Hash256) bool {
	seed := hashSeed(header, nonce)
	final := hashFinal(seed, mixHash)
	return final.Cmp(boundary) <= 0
}

// VerifyFull verifies the whole outcome, recomputing the mix through the
// memory-hard loop and validating the final hash against the boundary.
func VerifyFull(ctx *ethash.EpochContext, period uint64, header, mixHash ethash.Hash256,
	nonce uint64, boundary ethash.Hash256) VerificationResult {

	seed := hashSeed(header, nonce)
	mix := hashMix(ctx, period, seed)
	if mix != mixHash {
		return InvalidMixHash
	}
	final := hashFinal(seed, mix)
	if final.Cmp(boundary) > 0 {
		return InvalidNonce
	}
	return Ok
}

// VerifyFullAt is VerifyFull with the epoch context and period derived
// from a block height. The context is taken from the shared cache.
func VerifyFullAt(block uint64, header, mixHash ethash.Hash256, nonce uint64,
	boundary ethash.Hash256) VerificationResult {

	epoch := ethash.EpochFromBlock(block)
	ctx := ethash.GetContext(epoch, false)
	defer func() {
		if err := ethash.ReleaseContext(epoch); err != nil {
			log.Errorf("Unable to release epoch %d context: %v", epoch, err)
		}
	}()
	return VerifyFull(ctx, Period(block), header, mixHash, nonce, boundary)
}

// Search scans count nonces from startNonce, returning every nonce whose
// final hash is at or below the boundary. It is the host-side reference
// search used by the CPU backend; device backends run the generated
// kernel instead.
func Search(ctx *ethash.EpochContext, period uint64, header ethash.Hash256,
	boundary ethash.Hash256, startNonce, count uint64) []Result64 {

	var found []Result64
	for i := uint64(0); i < count; i++ {
		nonce := startNonce + i
		r := Hash(ctx, period, header, nonce)
		if r.FinalHash.Cmp(boundary) <= 0 {
			found = append(found, Result64{Nonce: nonce, MixHash: r.MixHash})
		}
	}
	return found
}

// Result64 pairs a winning nonce with its mix hash.
type Result64 struct {
	Nonce   uint64
	MixHash ethash.Hash256
}
