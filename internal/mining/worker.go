// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/meowcoin/meowminer/internal/device"
	"github.com/meowcoin/meowminer/internal/ethash"
	"github.com/meowcoin/meowminer/internal/progpow"
)

const (
	// newWorkWait is the bounded wait between new-work signal checks.
	newWorkWait = 50 * time.Millisecond

	// hashRateWindow is the minimum elapsed time between rolling hash
	// rate recalculations.
	hashRateWindow = time.Second
)

// WorkerSettings sizes a worker's search pipeline.
type WorkerSettings struct {
	// Streams is the number of concurrent device streams.
	Streams uint32

	// Schedule is the context scheduling hint.
	Schedule device.ScheduleHint

	// GridSize and BlockSize size one launch; one batch covers
	// GridSize*BlockSize nonces.
	GridSize  uint32
	BlockSize uint32

	// ParallelHash is the per-thread hash unrolling hint forwarded to
	// the kernel compiler.
	ParallelHash uint32
}

// defaultWorkerSettings are the tuned defaults for CUDA class devices.
var defaultWorkerSettings = WorkerSettings{
	Streams:      2,
	Schedule:     device.ScheduleAuto,
	GridSize:     256,
	BlockSize:    512,
	ParallelHash: 4,
}

// compileResult carries one finished kernel compilation back to the
// worker loop.
type compileResult struct {
	kernel device.Kernel
	period uint64
	err    error
}

// Worker owns one logical device and runs the long-lived search loop.
// All fields except the explicitly synchronized ones are owned by the
// worker goroutine.
type Worker struct {
	index    uint32
	farm     *Farm
	backend  device.Backend
	desc     device.Descriptor
	settings WorkerSettings

	workMtx sync.Mutex
	work    WorkPackage

	// newWork is a relaxed flag paired with the kick channel; the
	// correctness of work handoff rests on the channel, the flag only
	// short-circuits the bounded wait.
	newWork uint32
	kickCh  chan struct{}

	pause *pauseSet

	devCtx   device.Context
	streams  []device.Stream
	results  []*device.SearchResults
	lightBuf device.Buffer
	dagBuf   device.Buffer

	allocatedLight uint64
	allocatedDAG   uint64

	epochCtx     *ethash.EpochContext
	currentEpoch int64

	kernels       [2]device.Kernel
	execIx        int
	currentPeriod uint64
	nextPeriod    uint64
	compileCh     chan compileResult

	// hashRate holds math.Float64bits of the rolling rate for lock-free
	// reads by the farm telemetry.
	hashRate   uint64
	groupCount uint64
	rateMark   time.Time
}

// newWorker creates a worker for the provided device.
func newWorker(idx uint32, farm *Farm, backend device.Backend,
	desc device.Descriptor, settings WorkerSettings) *Worker {

	if settings.Streams == 0 {
		settings = defaultWorkerSettings
	}
	return &Worker{
		index:        idx,
		farm:         farm,
		backend:      backend,
		desc:         desc,
		settings:     settings,
		kickCh:       make(chan struct{}, 1),
		pause:        newPauseSet(),
		currentEpoch: -1,
		rateMark:     time.Now(),
	}
}

// Index returns the worker's ordinal index within the farm.
func (w *Worker) Index() uint32 { return w.index }

// Descriptor returns the device descriptor assigned to this worker.
func (w *Worker) Descriptor() device.Descriptor { return w.desc }

// SetWork hands a new work snapshot to the worker and kicks it awake.
func (w *Worker) SetWork(wp WorkPackage) {
	w.workMtx.Lock()
	w.work = wp
	w.workMtx.Unlock()
	w.Kick()
}

// workSnapshot returns a copy of the current work package.
func (w *Worker) workSnapshot() WorkPackage {
	w.workMtx.Lock()
	defer w.workMtx.Unlock()
	return w.work
}

// Kick unblocks the worker's new-work wait.
func (w *Worker) Kick() {
	atomic.StoreUint32(&w.newWork, 1)
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

// Pause sets a pause reason. The worker drains its active batches at the
// next batch boundary; in-flight device work is not aborted.
func (w *Worker) Pause(r PauseReason) {
	if w.pause.set(r) {
		log.Infof("Miner %d paused: %s", w.index, w.pause.describe())
	}
}

// Resume clears a pause reason. The worker can be paused for multiple
// reasons at a time; it resumes only once every reason is cleared.
func (w *Worker) Resume(r PauseReason) {
	if w.pause.clear(r) && !w.pause.any() {
		log.Infof("Miner %d resumed", w.index)
		w.Kick()
	}
}

// Paused returns whether any pause reason is set.
func (w *Worker) Paused() bool {
	return w.pause.any()
}

// PauseTest returns whether the provided pause reason is currently set.
func (w *Worker) PauseTest(r PauseReason) bool {
	return w.pause.test(r)
}

// HashRate returns the rolling hash rate of this worker.
func (w *Worker) HashRate() float64 {
	return math.Float64frombits(atomic.LoadUint64(&w.hashRate))
}

// updateHashRate folds one finished round of batches into the rolling
// rate.
func (w *Worker) updateHashRate(groupSize, increment uint32) {
	w.groupCount += uint64(groupSize) * uint64(increment)
	elapsed := time.Since(w.rateMark)
	if elapsed < hashRateWindow {
		return
	}
	rate := float64(w.groupCount) / elapsed.Seconds()
	atomic.StoreUint64(&w.hashRate, math.Float64bits(rate))
	w.groupCount = 0
	w.rateMark = time.Now()
}

// run is the worker's long-lived loop. It must be run as a goroutine and
// exits only on context cancellation or a fatal backend error.
func (w *Worker) run(ctx context.Context) {
	defer w.farm.wg.Done()
	defer w.teardown()

	log.Debugf("Miner %d starting on %s (%s)", w.index, w.desc.UniqueID,
		w.desc.Name)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Bounded wait for the new-work signal.
		if !atomic.CompareAndSwapUint32(&w.newWork, 1, 0) {
			select {
			case <-w.kickCh:
			case <-time.After(newWorkWait):
			case <-ctx.Done():
				return
			}
			continue
		}

		work := w.workSnapshot()
		if !work.IsPresent() || work.Block == nil {
			continue
		}
		if w.Paused() && !w.pause.test(PauseInitEpochError) &&
			!w.pause.test(PauseInsufficientMemory) {
			continue
		}

		// A later work package retries a failed device init.
		if w.devCtx == nil {
			if err := w.initDevice(); err != nil {
				log.Errorf("Miner %d: device init: %v", w.index, err)
				w.Pause(PauseInitEpochError)
				continue
			}
			w.Resume(PauseInitEpochError)
		}

		if work.Epoch == nil {
			log.Warnf("Miner %d: work package without epoch, ignored", w.index)
			continue
		}
		epoch := *work.Epoch
		if w.currentEpoch != int64(epoch) {
			if !w.initEpoch(epoch) {
				return
			}
			if w.Paused() {
				continue
			}
			if atomic.LoadUint32(&w.newWork) == 1 {
				continue
			}
		}

		period := progpow.Period(*work.Block)
		if !w.ensureKernel(ctx, period) {
			continue
		}

		target := work.EffectiveBoundary().Upper64()
		if target == ^uint64(0) {
			log.Warnf("Miner %d: difficulty too low, skipping job %s",
				w.index, work.JobID)
			continue
		}

		log.Tracef("Miner %d work: %v", w.index, spew.Sdump(work))
		w.search(ctx, &work, target)
	}
}

// teardown drains device and epoch resources on worker exit.
func (w *Worker) teardown() {
	if w.epochCtx != nil {
		if err := ethash.ReleaseContext(uint32(w.currentEpoch)); err != nil {
			log.Errorf("Miner %d: %v", w.index, err)
		}
		w.epochCtx = nil
	}
	if w.devCtx != nil {
		if err := w.devCtx.Release(); err != nil {
			log.Errorf("Miner %d: device release: %v", w.index, err)
		}
		w.devCtx = nil
	}
	w.streams = nil
	w.results = nil
	w.lightBuf = nil
	w.dagBuf = nil
	w.allocatedLight = 0
	w.allocatedDAG = 0
	w.currentEpoch = -1
	w.currentPeriod = 0
	w.nextPeriod = 0
	w.kernels[0] = nil
	w.kernels[1] = nil
	if w.compileCh != nil {
		<-w.compileCh
		w.compileCh = nil
	}
	log.Debugf("Miner %d done", w.index)
}

// initDevice acquires the device context and creates the stream pipeline
// with its mapped result buffers.
func (w *Worker) initDevice() error {
	devCtx, err := w.backend.AcquireContext(w.desc, w.settings.Schedule)
	if err != nil {
		return err
	}

	streams := make([]device.Stream, 0, w.settings.Streams)
	results := make([]*device.SearchResults, 0, w.settings.Streams)
	for i := uint32(0); i < w.settings.Streams; i++ {
		s, err := devCtx.CreateStream()
		if err != nil {
			devCtx.Release()
			return err
		}
		streams = append(streams, s)
		results = append(results, new(device.SearchResults))
	}

	w.devCtx = devCtx
	w.streams = streams
	w.results = results
	log.Infof("Miner %d using device %s %s (compute %d.%d) memory %d MiB",
		w.index, w.desc.UniqueID, w.desc.Name, w.desc.ComputeMajor,
		w.desc.ComputeMinor, w.desc.TotalMemory/(1<<20))
	return nil
}

// initEpoch moves the worker onto a new epoch: memory admission control,
// device buffer (re)allocation, light cache upload and device DAG build.
// The return value is false only for fatal errors that must terminate
// the worker; recoverable failures pause the worker and return true.
func (w *Worker) initEpoch(epoch uint32) bool {
	start := time.Now()

	// Release the memory related pause flags if any. They are
	// re-evaluated against the new epoch's sizes below.
	w.pause.clear(PauseInsufficientMemory)
	w.pause.clear(PauseInitEpochError)

	// Refresh the device memory hints; free memory changes as other
	// consumers of the device come and go.
	if descs, err := w.backend.Enumerate(); err == nil {
		for _, d := range descs {
			if d.UniqueID == w.desc.UniqueID {
				w.desc.TotalMemory = d.TotalMemory
				w.desc.FreeMemory = d.FreeMemory
				break
			}
		}
	}

	epochCtx := ethash.GetContext(epoch, false)
	lightSize := epochCtx.LightCacheSize()
	dagSize := epochCtx.FullDatasetSize()
	required := lightSize + dagSize

	free := w.desc.FreeMemory + w.allocatedLight + w.allocatedDAG
	if free < required {
		log.Warnf("Miner %d: epoch %d requires %d MiB, only %d MiB "+
			"available. Mining suspended on device", w.index, epoch,
			required/(1<<20), free/(1<<20))
		w.Pause(PauseInsufficientMemory)
		if err := ethash.ReleaseContext(epoch); err != nil {
			log.Errorf("Miner %d: %v", w.index, err)
		}
		return true
	}

	// Serialize device DAG builds when the configured load mode asks
	// for it.
	w.farm.dagBuildStart()
	defer w.farm.dagBuildDone()

	var err error
	if w.allocatedDAG < dagSize || w.allocatedLight < lightSize {
		if w.lightBuf != nil {
			if err = w.devCtx.FreeDevice(w.lightBuf); err != nil {
				return w.epochInitFailed(epoch, err)
			}
			w.lightBuf = nil
			w.allocatedLight = 0
		}
		if w.dagBuf != nil {
			if err = w.devCtx.FreeDevice(w.dagBuf); err != nil {
				return w.epochInitFailed(epoch, err)
			}
			w.dagBuf = nil
			w.allocatedDAG = 0
		}

		log.Infof("Miner %d: generating DAG + light for epoch %d (%d MiB)",
			w.index, epoch, required/(1<<20))

		w.lightBuf, err = w.devCtx.AllocDevice(lightSize)
		if err != nil {
			return w.epochInitFailed(epoch, err)
		}
		w.allocatedLight = lightSize
		w.dagBuf, err = w.devCtx.AllocDevice(dagSize)
		if err != nil {
			return w.epochInitFailed(epoch, err)
		}
		w.allocatedDAG = dagSize
	} else {
		log.Infof("Miner %d: generating DAG + light for epoch %d "+
			"(reusing buffers)", w.index, epoch)
	}

	err = w.devCtx.CopyToDevice(w.lightBuf, epochCtx.LightCacheBytes())
	if err != nil {
		return w.epochInitFailed(epoch, err)
	}
	err = w.devCtx.BuildDAG(w.dagBuf, dagSize, w.lightBuf,
		epochCtx.LightCacheNumItems, w.settings.GridSize,
		w.settings.BlockSize, w.streams[0])
	if err != nil {
		return w.epochInitFailed(epoch, err)
	}

	// Swap the shared context reference.
	if w.epochCtx != nil {
		if err := ethash.ReleaseContext(uint32(w.currentEpoch)); err != nil {
			log.Errorf("Miner %d: %v", w.index, err)
		}
	}
	w.epochCtx = epochCtx
	w.currentEpoch = int64(epoch)

	log.Infof("Miner %d: generated DAG + light in %d ms",
		w.index, time.Since(start).Milliseconds())
	return true
}

// epochInitFailed handles a device failure during epoch init: the worker
// pauses and stays alive unless the error is fatal.
func (w *Worker) epochInitFailed(epoch uint32, err error) bool {
	if releaseErr := ethash.ReleaseContext(epoch); releaseErr != nil {
		log.Errorf("Miner %d: %v", w.index, releaseErr)
	}
	if isFatal(err) {
		w.farm.fatal(fmt.Errorf("miner %d: fatal device error: %v",
			w.index, err))
		return false
	}
	log.Errorf("Miner %d: epoch %d init: %v. Mining suspended", w.index,
		epoch, err)
	w.Pause(PauseInitEpochError)
	return true
}

// ensureKernel keeps the two-slot kernel buffer primed for the provided
// period: the executing slot holds the current period's kernel while the
// standby slot receives the next period's compilation, which runs on a
// transient helper goroutine. At most one compilation is in flight per
// worker; it is always joined before a new one is spawned.
func (w *Worker) ensureKernel(ctx context.Context, period uint64) bool {
	if w.nextPeriod == 0 && w.compileCh == nil && w.kernels[w.execIx] == nil {
		// Cold start: compile the current period into the standby slot.
		w.nextPeriod = period
		w.spawnCompile()
	}

	if w.currentPeriod != period || w.kernels[w.execIx] == nil {
		if !w.joinCompile() {
			return false
		}
		if period != w.nextPeriod {
			// Period raced ahead of the precompiled kernel. Recover by
			// compiling the wanted period synchronously.
			w.nextPeriod = period
			w.spawnCompile()
			if !w.joinCompile() {
				return false
			}
		}
		if w.kernels[w.execIx^1] == nil {
			// Compilation failed and no previous kernel exists.
			w.Pause(PauseInitEpochError)
			return false
		}
		w.execIx ^= 1
		w.currentPeriod = period
		log.Infof("Miner %d: launching period %d kernel", w.index, period)

		w.nextPeriod = period + 1
		w.spawnCompile()
	}
	return w.kernels[w.execIx] != nil
}

// spawnCompile starts the transient compile helper for w.nextPeriod,
// writing into the standby slot on join.
func (w *Worker) spawnCompile() {
	if w.compileCh != nil {
		// Join the previous helper first; only one exists at a time.
		w.joinCompile()
	}

	period := w.nextPeriod
	ch := make(chan compileResult, 1)
	w.compileCh = ch

	kind := progpow.KernelCuda
	if w.desc.Kind == device.KindOpenCL {
		kind = progpow.KernelOpenCL
	}
	epochCtx := w.epochCtx
	var dagElements uint32
	if epochCtx != nil {
		dagElements = epochCtx.FullDatasetNumItems / 2
	}
	epoch := w.currentEpoch
	opts := []string{
		fmt.Sprintf("-DPROGPOW_DAG_ELEMENTS=%d", dagElements),
		fmt.Sprintf("-DPARALLEL_HASH=%d", w.settings.ParallelHash),
		fmt.Sprintf("epoch=%d", epoch),
		fmt.Sprintf("period=%d", period),
	}
	devCtx := w.devCtx
	major, minor := w.desc.ComputeMajor, w.desc.ComputeMinor

	go func() {
		source := progpow.KernelSource(period, kind)
		kernel, err := devCtx.CompileKernel(source, opts, major, minor)
		ch <- compileResult{kernel: kernel, period: period, err: err}
	}()
}

// joinCompile waits for the in-flight compilation, if any, and installs
// the result into the standby slot. The return value is false only on a
// fatal error.
func (w *Worker) joinCompile() bool {
	if w.compileCh == nil {
		return true
	}
	res := <-w.compileCh
	w.compileCh = nil

	if res.err != nil {
		if isFatal(res.err) {
			w.farm.fatal(fmt.Errorf("miner %d: fatal compile error: %v",
				w.index, res.err))
			return false
		}
		// The worker stays on the previous period's kernel if one
		// exists; otherwise ensureKernel pauses it.
		log.Errorf("Miner %d: failed to compile period %d kernel: %v",
			w.index, res.period, res.err)
		w.kernels[w.execIx^1] = nil
		return true
	}
	w.kernels[w.execIx^1] = res.kernel
	log.Debugf("Miner %d: pre-compiled period %d kernel", w.index, res.period)
	return true
}

// search dispatches pipelined batches across every stream until new work
// arrives, the worker pauses or the farm shuts down. The nonce cursor is
// strictly monotone: no nonce is scanned twice within a work package.
func (w *Worker) search(ctx context.Context, work *WorkPackage, target uint64) {
	kernel := w.kernels[w.execIx]
	batchSize := uint64(w.settings.GridSize) * uint64(w.settings.BlockSize)
	streamsBatch := batchSize * uint64(len(w.streams))

	var header [32]byte
	copy(header[:], work.Header[:])

	searchStart := time.Now()
	nonce := work.StartNonce

	// Prime each stream.
	for i := range w.streams {
		w.results[i].Count = 0
		err := w.devCtx.Launch(kernel, w.settings.GridSize,
			w.settings.BlockSize, w.streams[i], nonce, header, target,
			w.dagBuf, w.results[i])
		if err != nil {
			w.searchFailed(err)
			return
		}
		nonce += batchSize
	}

	done := false
	for !done {
		// Exit next time around if there is new work awaiting or the
		// worker was paused; in-flight batches still drain.
		done = atomic.LoadUint32(&w.newWork) == 1 || w.Paused()

		for i := range w.streams {
			if err := w.devCtx.StreamSync(w.streams[i]); err != nil {
				w.searchFailed(err)
				return
			}
			if ctx.Err() != nil {
				atomic.StoreUint32(&w.newWork, 0)
				done = true
			}

			res := w.results[i]
			foundCount := res.Count
			if foundCount > device.MaxSearchResults {
				foundCount = device.MaxSearchResults
			}
			var found [device.MaxSearchResults]device.SearchResult
			if foundCount > 0 {
				copy(found[:foundCount], res.Results[:foundCount])
				res.Count = 0
			}

			// Restart the stream on the next batch of nonces unless
			// this round is the last.
			if !done {
				err := w.devCtx.Launch(kernel, w.settings.GridSize,
					w.settings.BlockSize, w.streams[i], nonce, header,
					target, w.dagBuf, res)
				if err != nil {
					w.searchFailed(err)
					return
				}
			}

			if foundCount > 0 {
				nonceBase := nonce - streamsBatch
				for j := uint32(0); j < foundCount; j++ {
					solNonce := nonceBase + uint64(found[j].GID)
					mix, _ := ethash.HashFromBytes(found[j].Mix[:])
					w.farm.SubmitProof(&Solution{
						Nonce:    solNonce,
						MixHash:  mix,
						Work:     *work,
						Tstamp:   time.Now(),
						MinerIdx: w.index,
					})
					log.Infof("Miner %d: job %s solution 0x%016x found "+
						"in %s", w.index, work.JobID, solNonce,
						time.Since(searchStart).Round(time.Millisecond))
				}
			}
			nonce += batchSize
		}

		w.updateHashRate(uint32(batchSize), uint32(len(w.streams)))

		if ctx.Err() != nil {
			atomic.StoreUint32(&w.newWork, 0)
			return
		}
	}
}

// searchFailed handles a mid-search device error. Such errors are always
// fatal: the driver state is unknown.
func (w *Worker) searchFailed(err error) {
	w.farm.fatal(fmt.Errorf("miner %d: device error during search: %v",
		w.index, err))
}
