// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"encoding/binary"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meowcoin/meowminer/internal/ethash"
	"github.com/meowcoin/meowminer/internal/mining"
	"github.com/meowcoin/meowminer/internal/progpow"
)

// simulateClient is an offline benchmark client: it serves synthetic
// jobs derived from a starting block height and a fixed difficulty, verifies every
// submitted solution and answers like a well-behaved pool. Used for
// performance testing the mining pipeline end to end without a network.
type simulateClient struct {
	sink chan<- event

	block uint64
	diff  float64

	uriMtx sync.Mutex
	uri    *URI

	connected uint32
	jobSeq    uint64

	quit     chan struct{}
	quitOnce sync.Once
}

// newSimulateClient creates a simulation client for the provided block
// height and difficulty.
func newSimulateClient(block uint64, diff float64, sink chan<- event) Client {
	if diff <= 0 {
		diff = 1.0
	}
	return &simulateClient{
		sink:  sink,
		block: block,
		diff:  diff,
		quit:  make(chan struct{}),
	}
}

func (c *simulateClient) SetConnection(uri *URI) {
	c.uriMtx.Lock()
	c.uri = uri
	c.uriMtx.Unlock()
}

func (c *simulateClient) UnsetConnection() {
	c.uriMtx.Lock()
	c.uri = nil
	c.uriMtx.Unlock()
}

func (c *simulateClient) IsConnected() bool {
	return atomic.LoadUint32(&c.connected) == 1
}

func (c *simulateClient) ActiveEndpoint() string {
	if !c.IsConnected() {
		return ""
	}
	return "simulation"
}

// Connect establishes the synthetic session and serves the first job.
func (c *simulateClient) Connect() {
	atomic.StoreUint32(&c.connected, 1)
	c.sink <- connectedEvent{eventBase{c}}
	c.sendWork()
}

// Disconnect tears the synthetic session down.
func (c *simulateClient) Disconnect() {
	c.quitOnce.Do(func() {
		close(c.quit)
		atomic.StoreUint32(&c.connected, 0)
		select {
		case c.sink <- disconnectedEvent{eventBase{c}}:
		default:
		}
	})
}

// sendWork emits the next synthetic job. Headers are derived from the
// block height and job sequence so every job is distinct yet
// reproducible.
func (c *simulateClient) sendWork() {
	seq := atomic.AddUint64(&c.jobSeq, 1)
	block := c.block + seq - 1

	var material [16]byte
	binary.LittleEndian.PutUint64(material[:8], block)
	binary.LittleEndian.PutUint64(material[8:], seq)
	header := ethash.Keccak256(material[:])

	diff := new(big.Int).SetUint64(uint64(c.diff))
	boundary := ethash.GetBoundaryFromDiff(diff)

	epoch := ethash.EpochFromBlock(block)
	wp := mining.WorkPackage{
		JobID:    header.String()[:16],
		Header:   header,
		Seed:     ethash.SeedFromEpoch(epoch),
		Boundary: boundary,
		Epoch:    &epoch,
		Block:    &block,
		Algo:     "meowpow",
	}

	select {
	case c.sink <- workEvent{eventBase{c}, wp}:
	case <-c.quit:
	}
}

// SubmitSolution verifies the solution the way a pool would and answers
// with an accept or reject. The next job is served only after an accept.
func (c *simulateClient) SubmitSolution(sol *mining.Solution) {
	go func() {
		start := time.Now()
		result := progpow.VerifyFullAt(*sol.Work.Block, sol.Work.Header,
			sol.MixHash, sol.Nonce, sol.Work.EffectiveBoundary())
		delay := time.Since(start)

		if result == progpow.Ok {
			select {
			case c.sink <- solutionAcceptedEvent{eventBase{c}, delay,
				sol.MinerIdx, false}:
			case <-c.quit:
				return
			}
			c.sendWork()
			return
		}
		log.Warnf("Simulated pool rejecting solution 0x%016x: %v",
			sol.Nonce, result)
		select {
		case c.sink <- solutionRejectedEvent{eventBase{c}, delay, sol.MinerIdx}:
		case <-c.quit:
		}
	}()
}

// SubmitHashrate records the reported rate at trace level; there is no
// pool to forward it to.
func (c *simulateClient) SubmitHashrate(rate uint64, hrID string) {
	log.Tracef("Simulated hashrate submission: %d h/s (%s)", rate, hrID)
}
