// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/meowcoin/meowminer/internal/device"
	"github.com/meowcoin/meowminer/internal/ethash"
	"github.com/meowcoin/meowminer/internal/progpow"
)

// DagLoadMode selects whether workers build their device DAGs
// concurrently or one at a time.
type DagLoadMode int

// DAG load modes.
const (
	DagLoadParallel DagLoadMode = iota
	DagLoadSequential
)

// Ergodicity selects when the farm re-randomizes worker nonce segments.
type Ergodicity int

// Ergodicity policies.
const (
	// ErgodicityNever keeps the initial scrambler for the process
	// lifetime.
	ErgodicityNever Ergodicity = iota

	// ErgodicityOnConnect reshuffles segments every time a pool
	// connection comes up.
	ErgodicityOnConnect

	// ErgodicityPerJob reshuffles segments on every work package.
	ErgodicityPerJob
)

// SolutionAccounting enumerates the fates of a submitted solution.
type SolutionAccounting int

// Solution accounting outcomes.
const (
	SolutionAccepted SolutionAccounting = iota
	SolutionRejected
	SolutionWasted
	SolutionFailed
)

// SolutionStats tallies solution outcomes.
type SolutionStats struct {
	Accepted uint32
	Rejected uint32
	Wasted   uint32
	Failed   uint32
}

// String returns the stats in the compact A:W:R:F display form. Zero
// wasted, rejected and failed counts are omitted.
func (s SolutionStats) String() string {
	out := fmt.Sprintf("A%d", s.Accepted)
	if s.Wasted > 0 {
		out += fmt.Sprintf(":W%d", s.Wasted)
	}
	if s.Rejected > 0 {
		out += fmt.Sprintf(":R%d", s.Rejected)
	}
	if s.Failed > 0 {
		out += fmt.Sprintf(":F%d", s.Failed)
	}
	return out
}

// Config holds the farm-wide policy knobs.
type Config struct {
	// Settings sizes each worker's pipeline.
	Settings WorkerSettings

	// SegmentWidth is the bit width of each worker's private nonce
	// segment. Worker i starts at scrambler + i << (64 - SegmentWidth).
	SegmentWidth uint32

	// Ergodicity is the segment reshuffle policy.
	Ergodicity Ergodicity

	// DagLoadMode serializes device DAG builds when sequential.
	DagLoadMode DagLoadMode

	// TempStart and TempStop are the overheating thresholds in degrees
	// Celsius, consumed by external hardware monitors through
	// PauseWorker/ResumeWorker.
	TempStart uint32
	TempStop  uint32
}

// MinerTelemetry is one worker's telemetry snapshot.
type MinerTelemetry struct {
	Index     uint32        `json:"index"`
	Device    string        `json:"device"`
	HashRate  float64       `json:"hashrate"`
	Paused    bool          `json:"paused"`
	Reason    string        `json:"reason,omitempty"`
	Solutions SolutionStats `json:"solutions"`
}

// Telemetry is the farm-wide telemetry snapshot.
type Telemetry struct {
	HashRate  float64          `json:"hashrate"`
	Solutions SolutionStats    `json:"solutions"`
	Miners    []MinerTelemetry `json:"miners"`
}

// Farm hosts every miner worker and coordinates work distribution,
// solution routing and lifecycle across them.
type Farm struct {
	cfg     Config
	backend device.Backend
	workers []*Worker

	workMtx sync.RWMutex
	work    WorkPackage

	running uint32
	paused  uint32

	scramblerMtx sync.Mutex
	scrambler    uint64

	statsMtx   sync.Mutex
	minerStats []SolutionStats
	farmStats  SolutionStats

	// dagMtx serializes device DAG builds in sequential load mode.
	dagMtx sync.Mutex

	onSolutionFound func(*Solution)
	onMinerRestart  func()
	onFatal         func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFarm enumerates the backend's devices and creates one worker per
// device.
func NewFarm(cfg Config, backend device.Backend) (*Farm, error) {
	if cfg.SegmentWidth == 0 || cfg.SegmentWidth > 32 {
		cfg.SegmentWidth = 16
	}

	descs, err := backend.Enumerate()
	if err != nil {
		return nil, err
	}
	if len(descs) == 0 {
		desc := fmt.Sprintf("backend %s enumerated no devices", backend.Name())
		return nil, makeError(ErrNoDevices, desc)
	}

	f := &Farm{
		cfg:        cfg,
		backend:    backend,
		scrambler:  randomScrambler(),
		minerStats: make([]SolutionStats, len(descs)),
	}
	for i, desc := range descs {
		f.workers = append(f.workers, newWorker(uint32(i), f, backend, desc,
			cfg.Settings))
	}
	log.Infof("Farm created with %d miner(s), nonce scrambler %016x, "+
		"segment width %d", len(f.workers), f.scrambler, cfg.SegmentWidth)
	return f, nil
}

// randomScrambler draws a fresh random nonce scrambler.
func randomScrambler() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Zero keeps mining correct, only segment placement suffers.
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

// OnSolutionFound registers the callback invoked for every verified
// solution. It must be set before Start.
func (f *Farm) OnSolutionFound(cb func(*Solution)) {
	f.onSolutionFound = cb
}

// OnMinerRestart registers the callback invoked when a restart of all
// miners is requested through the admin surface.
func (f *Farm) OnMinerRestart(cb func()) {
	f.onMinerRestart = cb
}

// OnFatal registers the callback invoked on an unrecoverable backend
// error. The process must terminate with a non-zero status.
func (f *Farm) OnFatal(cb func(error)) {
	f.onFatal = cb
}

// fatal routes an unrecoverable error upward.
func (f *Farm) fatal(err error) {
	log.Criticalf("%v", err)
	if f.onFatal != nil {
		f.onFatal(err)
	}
}

// Start spins up every worker. It is a no-op when already mining.
func (f *Farm) Start() {
	if !atomic.CompareAndSwapUint32(&f.running, 0, 1) {
		return
	}
	log.Info("Spinning up miners...")
	atomic.StoreUint32(&f.paused, 0)
	f.ctx, f.cancel = context.WithCancel(context.Background())
	for _, w := range f.workers {
		w.pause.clear(PauseFarmPaused)
		f.wg.Add(1)
		go w.run(f.ctx)
	}
}

// Stop shuts every worker down and waits for them to drain. Workers
// observe the stop at the next batch boundary; in-flight device work is
// not aborted.
func (f *Farm) Stop() {
	if !atomic.CompareAndSwapUint32(&f.running, 1, 0) {
		return
	}
	log.Info("Shutting down miners...")
	f.cancel()
	for _, w := range f.workers {
		w.Kick()
	}
	f.wg.Wait()
	atomic.StoreUint32(&f.paused, 0)
}

// IsMining returns whether the farm has active workers.
func (f *Farm) IsMining() bool {
	return atomic.LoadUint32(&f.running) == 1
}

// Pause suspends every worker with the farm-paused reason.
func (f *Farm) Pause() {
	if !atomic.CompareAndSwapUint32(&f.paused, 0, 1) {
		return
	}
	for _, w := range f.workers {
		w.Pause(PauseFarmPaused)
	}
}

// Resume clears the farm-paused reason on every worker.
func (f *Farm) Resume() {
	if !atomic.CompareAndSwapUint32(&f.paused, 1, 0) {
		return
	}
	for _, w := range f.workers {
		w.Resume(PauseFarmPaused)
	}
}

// Paused returns whether the farm is paused.
func (f *Farm) Paused() bool {
	return atomic.LoadUint32(&f.paused) == 1
}

// Restart bounces every worker, honoring the registered restart
// callback.
func (f *Farm) Restart() {
	log.Info("Restart miners...")
	if f.onMinerRestart != nil {
		f.onMinerRestart()
		return
	}
	if f.IsMining() {
		f.Stop()
	}
	f.Start()
}

// SetWork publishes a work package to every worker. Unless the pool has
// partitioned the nonce space already, each worker is assigned a private
// segment of the nonce range so workers never re-scan each other's
// nonces.
func (f *Farm) SetWork(wp WorkPackage) {
	f.workMtx.Lock()
	f.work = wp
	f.workMtx.Unlock()

	if f.cfg.Ergodicity == ErgodicityPerJob {
		f.Shuffle()
	}

	f.scramblerMtx.Lock()
	scrambler := f.scrambler
	f.scramblerMtx.Unlock()

	for _, w := range f.workers {
		segment := wp
		if wp.ExtraNonceSize == 0 {
			segment.StartNonce = scrambler +
				(uint64(w.Index()) << (64 - f.cfg.SegmentWidth))
		}
		w.SetWork(segment)
	}
}

// CurrentWork returns the farm's current work snapshot.
func (f *Farm) CurrentWork() WorkPackage {
	f.workMtx.RLock()
	defer f.workMtx.RUnlock()
	return f.work
}

// Shuffle re-randomizes the nonce scrambler. The new placement takes
// effect on the next SetWork.
func (f *Farm) Shuffle() {
	f.scramblerMtx.Lock()
	f.scrambler = randomScrambler()
	f.scramblerMtx.Unlock()
}

// NonceScrambler returns the current scrambler value.
func (f *Farm) NonceScrambler() uint64 {
	f.scramblerMtx.Lock()
	defer f.scramblerMtx.Unlock()
	return f.scrambler
}

// SegmentWidth returns the per-worker nonce segment bit width.
func (f *Farm) SegmentWidth() uint32 {
	return f.cfg.SegmentWidth
}

// Ergodicity returns the configured segment reshuffle policy.
func (f *Farm) Ergodicity() Ergodicity {
	return f.cfg.Ergodicity
}

// TempStart returns the resume-below temperature threshold.
func (f *Farm) TempStart() uint32 { return f.cfg.TempStart }

// TempStop returns the pause-above temperature threshold.
func (f *Farm) TempStop() uint32 { return f.cfg.TempStop }

// PauseWorker pauses one worker with the provided reason. Used by the
// admin surface and hardware monitors.
func (f *Farm) PauseWorker(idx uint32, r PauseReason) error {
	if int(idx) >= len(f.workers) {
		return makeError(ErrInvariant, fmt.Sprintf("no miner %d", idx))
	}
	f.workers[idx].Pause(r)
	return nil
}

// ResumeWorker clears one worker's pause reason.
func (f *Farm) ResumeWorker(idx uint32, r PauseReason) error {
	if int(idx) >= len(f.workers) {
		return makeError(ErrInvariant, fmt.Sprintf("no miner %d", idx))
	}
	f.workers[idx].Resume(r)
	return nil
}

// dagBuildStart acquires the DAG build slot in sequential load mode.
func (f *Farm) dagBuildStart() {
	if f.cfg.DagLoadMode == DagLoadSequential {
		f.dagMtx.Lock()
	}
}

// dagBuildDone releases the DAG build slot in sequential load mode.
func (f *Farm) dagBuildDone() {
	if f.cfg.DagLoadMode == DagLoadSequential {
		f.dagMtx.Unlock()
	}
}

// SubmitProof verifies a candidate solution from a worker and routes it
// upward. Solutions that fail verification are accounted as failed and
// never submitted.
func (f *Farm) SubmitProof(sol *Solution) {
	if sol.Work.Block == nil || sol.Work.Epoch == nil {
		f.AccountSolution(sol.MinerIdx, SolutionFailed)
		return
	}

	epoch := *sol.Work.Epoch
	epochCtx := ethash.GetContext(epoch, false)
	defer func() {
		if err := ethash.ReleaseContext(epoch); err != nil {
			log.Errorf("%v", err)
		}
	}()

	period := progpow.Period(*sol.Work.Block)
	boundary := sol.Work.EffectiveBoundary()
	result := progpow.VerifyFull(epochCtx, period, sol.Work.Header,
		sol.MixHash, sol.Nonce, boundary)
	if result != progpow.Ok {
		log.Errorf("Miner %d: discarding solution 0x%016x: %v",
			sol.MinerIdx, sol.Nonce, result)
		f.AccountSolution(sol.MinerIdx, SolutionFailed)
		return
	}

	if f.onSolutionFound != nil {
		f.onSolutionFound(sol)
	}
}

// AccountSolution tallies one solution outcome for the provided miner.
func (f *Farm) AccountSolution(minerIdx uint32, acct SolutionAccounting) {
	f.statsMtx.Lock()
	defer f.statsMtx.Unlock()

	stats := &f.farmStats
	var minerStats *SolutionStats
	if int(minerIdx) < len(f.minerStats) {
		minerStats = &f.minerStats[minerIdx]
	}
	apply := func(s *SolutionStats) {
		switch acct {
		case SolutionAccepted:
			s.Accepted++
		case SolutionRejected:
			s.Rejected++
		case SolutionWasted:
			s.Wasted++
		case SolutionFailed:
			s.Failed++
		}
	}
	apply(stats)
	if minerStats != nil {
		apply(minerStats)
	}
}

// HashRate returns the aggregate hash rate across all workers.
func (f *Farm) HashRate() float64 {
	var total float64
	for _, w := range f.workers {
		total += w.HashRate()
	}
	return total
}

// Snapshot assembles the farm telemetry for display and the api surface.
func (f *Farm) Snapshot() Telemetry {
	f.statsMtx.Lock()
	farmStats := f.farmStats
	minerStats := append(f.minerStats[:0:0], f.minerStats...)
	f.statsMtx.Unlock()

	t := Telemetry{Solutions: farmStats}
	for i, w := range f.workers {
		rate := w.HashRate()
		t.HashRate += rate
		mt := MinerTelemetry{
			Index:    w.Index(),
			Device:   w.Descriptor().UniqueID,
			HashRate: rate,
			Paused:   w.Paused(),
		}
		if mt.Paused {
			mt.Reason = w.pause.describe()
		}
		if i < len(minerStats) {
			mt.Solutions = minerStats[i]
		}
		t.Miners = append(t.Miners, mt)
	}
	return t
}
