// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meowcoin/meowminer/internal/ethash"
	"github.com/meowcoin/meowminer/internal/mining"
)

// Settings holds the pool manager configuration.
type Settings struct {
	// Connections is the ordered failover list. Index zero is the
	// primary pool.
	Connections []*URI

	// GetWorkPollInterval is the getwork request cadence.
	GetWorkPollInterval time.Duration

	// NoWorkTimeout drops the connection when no new job arrives within
	// the window.
	NoWorkTimeout time.Duration

	// NoResponseTimeout drops the connection when the pool stops
	// responding.
	NoResponseTimeout time.Duration

	// PoolFailoverTimeout returns to the primary pool after mining on a
	// failover for this long. Zero disables the fallback.
	PoolFailoverTimeout time.Duration

	// ReportHashrate enables periodic hash rate submission.
	ReportHashrate bool

	// HashRateInterval is the cadence of hash rate submissions.
	HashRateInterval time.Duration

	// HashRateID identifies this rig in hash rate submissions.
	HashRateID string

	// ConnectionMaxRetries rotates to the next connection after this
	// many failed attempts. A single configured connection retries
	// forever.
	ConnectionMaxRetries uint32

	// BenchmarkBlock and BenchmarkDiff parameterize the simulation
	// client.
	BenchmarkBlock uint64
	BenchmarkDiff  float64
}

// Manager drives the pool session lifecycle: connection rotation across
// the failover list, work package intake, solution egress and the
// failover and hash rate timers.
//
// All mutable state is owned by the manager's strand goroutine; methods
// called from other goroutines marshal onto it. Atomic counters are
// readable from outside the strand as stale snapshots, tolerated for
// telemetry.
type Manager struct {
	settings Settings
	farm     *mining.Farm

	// onExit requests process termination; hit when the connection list
	// is exhausted or the exit sentinel is reached.
	onExit func()

	// newClient is the client factory, replaceable by tests.
	newClient func(uri *URI, s Settings, sink chan<- event) Client

	tasks  chan func()
	events chan event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	running      uint32
	stopping     uint32
	asyncPending uint32

	connectionSwitches uint32
	epochChanges       uint32

	// Strand-owned state below; never touched off-strand.
	client            Client
	activeIdx         int
	connectionAttempt uint32
	selectedHost      string
	currentWork       mining.WorkPackage
	failoverTimer     *time.Timer
	hrTimer           *time.Timer
}

// NewManager creates a pool manager bound to the provided farm. The
// onExit callback is invoked, off-strand, when the manager decides the
// process should terminate.
func NewManager(settings Settings, farm *mining.Farm, onExit func()) *Manager {
	m := &Manager{
		settings: settings,
		farm:     farm,
		onExit:   onExit,
		tasks:    make(chan func(), 16),
		events:   make(chan event, 64),
		done:     make(chan struct{}),
	}
	m.newClient = defaultClientFactory

	farm.OnSolutionFound(m.submitProof)
	farm.OnMinerRestart(func() {
		log.Info("Restart miners...")
		if farm.IsMining() {
			farm.Stop()
		}
		farm.Start()
	})
	return m
}

// defaultClientFactory instantiates the pool client matching the
// connection's protocol family.
func defaultClientFactory(uri *URI, s Settings, sink chan<- event) Client {
	switch uri.Family() {
	case FamilyGetWork:
		return newGetworkClient(s, sink)
	case FamilySimulation:
		return newSimulateClient(s.BenchmarkBlock, s.BenchmarkDiff, sink)
	default:
		return newStratumClient(s, sink)
	}
}

// Start launches the strand and begins connecting.
func (m *Manager) Start() {
	atomic.StoreUint32(&m.running, 1)
	atomic.StoreUint32(&m.asyncPending, 1)
	atomic.AddUint32(&m.connectionSwitches, 1)

	m.wg.Add(1)
	go m.run()
	m.post(m.rotateConnect)
}

// Stop tears the manager down, disconnecting gracefully when a session
// is live, and blocks until the strand has drained.
func (m *Manager) Stop() {
	if atomic.LoadUint32(&m.running) == 0 {
		return
	}
	atomic.StoreUint32(&m.stopping, 1)
	atomic.StoreUint32(&m.asyncPending, 1)

	m.post(func() {
		if m.client != nil && m.client.IsConnected() {
			// Completion continues in the disconnected handler.
			m.client.Disconnect()
			return
		}
		m.cancelTimers()
		if m.farm.IsMining() {
			m.farm.Stop()
		}
		atomic.StoreUint32(&m.running, 0)
		m.shutdownStrand()
	})
	m.wg.Wait()
}

// run is the strand goroutine: every manager mutation happens here, so
// event handling observes a single happens-before order.
func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case f := <-m.tasks:
			f()
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-m.done:
			return
		}
		select {
		case <-m.done:
			return
		default:
		}
	}
}

// post enqueues a task onto the strand.
func (m *Manager) post(f func()) {
	select {
	case m.tasks <- f:
	case <-m.done:
	}
}

// call runs a task on the strand and waits for its result.
func (m *Manager) call(f func() error) error {
	res := make(chan error, 1)
	select {
	case m.tasks <- func() { res <- f() }:
	case <-m.done:
		return makeError(ErrNotRunning, "pool manager is not running")
	}
	select {
	case err := <-res:
		return err
	case <-m.done:
		return makeError(ErrNotRunning, "pool manager is not running")
	}
}

// shutdownStrand releases the strand exactly once.
func (m *Manager) shutdownStrand() {
	m.once.Do(func() { close(m.done) })
}

// handleEvent dispatches one client event, discarding stragglers from
// clients that have been rotated out.
func (m *Manager) handleEvent(ev event) {
	if ev.source() != m.client {
		log.Tracef("Discarding event from stale client")
		return
	}
	switch ev := ev.(type) {
	case connectedEvent:
		m.onConnected()
	case disconnectedEvent:
		m.onDisconnected()
	case workEvent:
		m.onWorkReceived(ev.work)
	case solutionAcceptedEvent:
		m.onSolutionAccepted(ev.delay, ev.minerIdx, ev.stale)
	case solutionRejectedEvent:
		m.onSolutionRejected(ev.delay, ev.minerIdx)
	}
}

// onConnected handles session establishment: reset work, arm timers,
// spin up or resume the farm.
func (m *Manager) onConnected() {
	if ep := m.client.ActiveEndpoint(); ep != "" {
		m.selectedHost = ep
	}
	log.Infof("Established connection to %s", m.selectedHost)

	m.currentWork = mining.WorkPackage{}

	if m.farm.Ergodicity() == mining.ErgodicityOnConnect {
		m.farm.Shuffle()
	}

	// Rough implementation to return to the primary pool after the
	// configured amount of time.
	if m.activeIdx != 0 && m.settings.PoolFailoverTimeout > 0 {
		m.cancelFailover()
		m.failoverTimer = time.AfterFunc(m.settings.PoolFailoverTimeout,
			func() { m.post(m.failoverElapsed) })
	} else {
		m.cancelFailover()
	}

	if !m.farm.IsMining() {
		log.Info("Spinning up miners...")
		m.farm.Start()
	} else if m.farm.Paused() {
		log.Info("Resume mining...")
		m.farm.Resume()
	}

	if m.settings.ReportHashrate {
		m.cancelHashrate()
		m.hrTimer = time.AfterFunc(m.settings.HashRateInterval,
			func() { m.post(m.hashrateElapsed) })
	}

	atomic.StoreUint32(&m.asyncPending, 0)
}

// onDisconnected handles session loss: when stopping it finishes the
// shutdown, otherwise it pauses mining and enqueues exactly one
// reconnection rotation.
func (m *Manager) onDisconnected() {
	log.Infof("Disconnected from %s", m.selectedHost)

	if m.client != nil {
		m.client.UnsetConnection()
	}
	m.currentWork = mining.WorkPackage{}
	m.cancelTimers()

	if atomic.LoadUint32(&m.stopping) == 1 {
		if m.farm.IsMining() {
			m.farm.Stop()
		}
		atomic.StoreUint32(&m.running, 0)
		m.shutdownStrand()
		return
	}

	atomic.StoreUint32(&m.asyncPending, 1)
	log.Info("No connection. Suspend mining...")
	m.farm.Pause()
	m.post(m.rotateConnect)
}

// onWorkReceived validates an incoming work package, derives its epoch,
// tracks epoch and difficulty changes and publishes it to the farm.
func (m *Manager) onWorkReceived(wp mining.WorkPackage) {
	if !wp.IsPresent() || wp.Block == nil {
		log.Warnf("Invalid work package received, ignored")
		return
	}
	if wp.Epoch == nil {
		epoch := ethash.EpochFromBlock(*wp.Block)
		wp.Epoch = &epoch
	}

	var newEpoch, newDiff bool
	if !m.currentWork.IsPresent() {
		newEpoch = true
		newDiff = true
	} else {
		newEpoch = *m.currentWork.Epoch != *wp.Epoch
		newDiff = m.currentWork.EffectiveBoundary() != wp.EffectiveBoundary()
	}

	m.currentWork = wp

	if newEpoch {
		atomic.AddUint32(&m.epochChanges, 1)
	}
	if newEpoch || newDiff {
		diff := ethash.DiffFromBoundary(wp.EffectiveBoundary())
		log.Infof("Epoch: %d Difficulty: %s", *wp.Epoch, diff)
	}
	log.Infof("Job: %s block %d %s", wp.JobID, *wp.Block, m.selectedHost)

	m.farm.SetWork(wp)
}

// onSolutionAccepted accounts an accepted solution and logs the pool
// response delay.
func (m *Manager) onSolutionAccepted(delay time.Duration, minerIdx uint32, stale bool) {
	tag := ""
	if stale {
		tag = " stale"
	}
	log.Infof("**Accepted%s %4d ms. %s", tag, delay.Milliseconds(),
		m.selectedHost)
	m.farm.AccountSolution(minerIdx, mining.SolutionAccepted)
}

// onSolutionRejected accounts a rejected solution and logs the pool
// response delay.
func (m *Manager) onSolutionRejected(delay time.Duration, minerIdx uint32) {
	log.Warnf("**Rejected %4d ms. %s", delay.Milliseconds(), m.selectedHost)
	m.farm.AccountSolution(minerIdx, mining.SolutionRejected)
}

// submitProof passes a verified solution through to the active client.
// Solutions found while disconnected are discarded and accounted as
// wasted: submitting them would log a submission with no response ever
// coming.
func (m *Manager) submitProof(sol *mining.Solution) {
	m.post(func() {
		if m.client != nil && m.client.IsConnected() {
			m.client.SubmitSolution(sol)
			return
		}
		log.Warnf("Solution 0x%016x wasted. Waiting for connection...",
			sol.Nonce)
		m.farm.AccountSolution(sol.MinerIdx, mining.SolutionWasted)
	})
}

// rotateConnect advances through the failover list and starts the next
// connection attempt. Runs on the strand.
func (m *Manager) rotateConnect() {
	if m.client != nil && m.client.IsConnected() {
		return
	}

	if m.activeIdx >= len(m.settings.Connections) {
		m.activeIdx = 0
	}

	switch {
	case len(m.settings.Connections) > 0 &&
		m.settings.Connections[m.activeIdx].Unrecoverable():
		// Discard connections diagnosed as permanently unusable.
		log.Warnf("Discarding unrecoverable connection %s",
			m.settings.Connections[m.activeIdx])
		m.settings.Connections = append(
			m.settings.Connections[:m.activeIdx],
			m.settings.Connections[m.activeIdx+1:]...)
		m.connectionAttempt = 0
		if m.activeIdx >= len(m.settings.Connections) {
			m.activeIdx = 0
		}
		atomic.AddUint32(&m.connectionSwitches, 1)

	case m.connectionAttempt >= m.settings.ConnectionMaxRetries:
		if len(m.settings.Connections) == 1 {
			// A sole connection keeps retrying until stopped manually.
			m.connectionAttempt = 0
		} else {
			m.connectionAttempt = 0
			m.activeIdx++
			if m.activeIdx >= len(m.settings.Connections) {
				m.activeIdx = 0
			}
			atomic.AddUint32(&m.connectionSwitches, 1)
		}
	}

	if len(m.settings.Connections) == 0 ||
		m.settings.Connections[m.activeIdx].Host() == ExitSentinel {
		if len(m.settings.Connections) == 0 {
			log.Info("No more connections to try. Exiting...")
		} else {
			log.Info("'exit' failover just got hit. Exiting...")
		}
		if m.farm.IsMining() {
			m.farm.Stop()
		}
		atomic.StoreUint32(&m.running, 0)
		m.shutdownStrand()
		if m.onExit != nil {
			go m.onExit()
		}
		return
	}

	uri := m.settings.Connections[m.activeIdx]
	m.client = m.newClient(uri, m.settings, m.events)
	m.connectionAttempt++
	m.selectedHost = uri.Endpoint()
	m.client.SetConnection(uri)
	log.Infof("Selected pool %s", m.selectedHost)
	m.client.Connect()
}

// failoverElapsed fires when the failover timer expires: fall back to
// the primary pool by disconnecting the current session.
func (m *Manager) failoverElapsed() {
	if atomic.LoadUint32(&m.running) == 0 || m.activeIdx == 0 {
		return
	}
	m.activeIdx = 0
	m.connectionAttempt = 0
	atomic.AddUint32(&m.connectionSwitches, 1)
	log.Info("Failover timeout reached, retrying connection to primary pool")
	if m.client != nil {
		m.client.Disconnect()
	}
}

// hashrateElapsed submits the farm hash rate and reschedules itself.
func (m *Manager) hashrateElapsed() {
	if atomic.LoadUint32(&m.running) == 0 {
		return
	}
	if m.client != nil && m.client.IsConnected() {
		m.client.SubmitHashrate(uint64(m.farm.HashRate()),
			m.settings.HashRateID)
	}
	m.hrTimer = time.AfterFunc(m.settings.HashRateInterval,
		func() { m.post(m.hashrateElapsed) })
}

// cancelFailover stops the failover timer. Idempotent.
func (m *Manager) cancelFailover() {
	if m.failoverTimer != nil {
		m.failoverTimer.Stop()
		m.failoverTimer = nil
	}
}

// cancelHashrate stops the hash rate timer. Idempotent.
func (m *Manager) cancelHashrate() {
	if m.hrTimer != nil {
		m.hrTimer.Stop()
		m.hrTimer = nil
	}
}

// cancelTimers stops both timing actors.
func (m *Manager) cancelTimers() {
	m.cancelFailover()
	m.cancelHashrate()
}

// AddConnection appends a connection definition to the failover list.
// No mutation is allowed while asynchronous connection operations are
// outstanding.
func (m *Manager) AddConnection(raw string) error {
	if atomic.LoadUint32(&m.asyncPending) == 1 {
		return makeError(ErrBusy, "outstanding operations, retry")
	}
	uri, err := ParseURI(raw)
	if err != nil {
		return err
	}
	return m.call(func() error {
		m.settings.Connections = append(m.settings.Connections, uri)
		return nil
	})
}

// RemoveConnection removes the connection at the provided index. The
// active connection cannot be removed, and no mutation is allowed while
// asynchronous connection operations are outstanding.
func (m *Manager) RemoveConnection(idx int) error {
	if atomic.LoadUint32(&m.asyncPending) == 1 {
		return makeError(ErrBusy, "outstanding operations, retry")
	}
	return m.call(func() error {
		if idx < 0 || idx >= len(m.settings.Connections) {
			return makeError(ErrOutOfBounds, "index out of bounds")
		}
		if idx == m.activeIdx {
			return makeError(ErrActiveConnection,
				"cannot remove the active connection")
		}
		m.settings.Connections = append(m.settings.Connections[:idx],
			m.settings.Connections[idx+1:]...)
		if m.activeIdx > idx {
			m.activeIdx--
		}
		return nil
	})
}

// SetActiveConnection switches the active connection to the provided
// index, disconnecting the current session so rotation lands on it.
func (m *Manager) SetActiveConnection(idx int) error {
	return m.call(func() error {
		if idx < 0 || idx >= len(m.settings.Connections) {
			return makeError(ErrOutOfBounds, "index out of bounds")
		}
		return m.setActiveLocked(idx)
	})
}

// SetActiveConnectionByName switches the active connection to the one
// matching the provided connection string. Matching is case-insensitive
// and only a genuine miss reports not found.
func (m *Manager) SetActiveConnectionByName(raw string) error {
	return m.call(func() error {
		for idx, uri := range m.settings.Connections {
			if strings.EqualFold(uri.String(), raw) {
				return m.setActiveLocked(idx)
			}
		}
		return makeError(ErrNotFound, fmt.Sprintf("connection %q not found", raw))
	})
}

// setActiveLocked is the common tail of the active-connection setters.
// Runs on the strand.
func (m *Manager) setActiveLocked(idx int) error {
	if !atomic.CompareAndSwapUint32(&m.asyncPending, 0, 1) {
		return makeError(ErrBusy, "outstanding operations, retry")
	}
	if idx == m.activeIdx {
		atomic.StoreUint32(&m.asyncPending, 0)
		return nil
	}
	atomic.AddUint32(&m.connectionSwitches, 1)
	m.activeIdx = idx
	m.connectionAttempt = 0
	if m.client != nil {
		m.client.Disconnect()
	}
	return nil
}

// ConnectionInfo describes one configured connection for the admin
// surface.
type ConnectionInfo struct {
	Index  int    `json:"index"`
	URI    string `json:"uri"`
	Active bool   `json:"active"`
}

// Connections returns a snapshot of the configured connection list.
func (m *Manager) Connections() []ConnectionInfo {
	var out []ConnectionInfo
	err := m.call(func() error {
		for i, uri := range m.settings.Connections {
			out = append(out, ConnectionInfo{
				Index:  i,
				URI:    uri.String(),
				Active: i == m.activeIdx,
			})
		}
		return nil
	})
	if err != nil {
		return nil
	}
	return out
}

// IsRunning returns whether the manager is live.
func (m *Manager) IsRunning() bool {
	return atomic.LoadUint32(&m.running) == 1
}

// IsConnected returns whether a pool session is established.
func (m *Manager) IsConnected() bool {
	var connected bool
	m.call(func() error {
		connected = m.client != nil && m.client.IsConnected()
		return nil
	})
	return connected
}

// CurrentEpoch returns the epoch of the current work package, or -1 when
// no work is held.
func (m *Manager) CurrentEpoch() int {
	epoch := -1
	m.call(func() error {
		if m.currentWork.IsPresent() && m.currentWork.Epoch != nil {
			epoch = int(*m.currentWork.Epoch)
		}
		return nil
	})
	return epoch
}

// CurrentDifficulty returns the difficulty of the current work package.
func (m *Manager) CurrentDifficulty() float64 {
	var diff float64
	m.call(func() error {
		if m.currentWork.IsPresent() {
			d := ethash.DiffFromBoundary(m.currentWork.EffectiveBoundary())
			f, _ := new(big.Float).SetInt(d).Float64()
			diff = f
		}
		return nil
	})
	return diff
}

// ConnectionSwitches returns how many times the active connection has
// changed.
func (m *Manager) ConnectionSwitches() uint32 {
	return atomic.LoadUint32(&m.connectionSwitches)
}

// EpochChanges returns how many epoch transitions the manager has
// observed.
func (m *Manager) EpochChanges() uint32 {
	return atomic.LoadUint32(&m.epochChanges)
}
