// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"strings"
	"sync"

	"github.com/jrick/bitset"
)

// PauseReason identifies one cause for a worker to stop launching search
// batches. A worker can be paused for multiple reasons at a time and is
// paused iff any reason is set.
type PauseReason uint8

// Pause reasons.
const (
	PauseOverheating PauseReason = iota
	PauseAPIRequest
	PauseFarmPaused
	PauseInsufficientMemory
	PauseInitEpochError

	// numPauseReasons must always be last.
	numPauseReasons
)

// pauseReasonStrings maps pause reasons to human-readable descriptions.
var pauseReasonStrings = map[PauseReason]string{
	PauseOverheating:        "temperature too high",
	PauseAPIRequest:         "api request",
	PauseFarmPaused:         "farm paused",
	PauseInsufficientMemory: "insufficient device memory",
	PauseInitEpochError:     "epoch initialization error",
}

// String returns the PauseReason as a human-readable description.
func (r PauseReason) String() string {
	if s, ok := pauseReasonStrings[r]; ok {
		return s
	}
	return "unknown"
}

// pauseSet is a concurrency-safe set of active pause reasons.
type pauseSet struct {
	mtx   sync.Mutex
	flags bitset.Bytes
}

// newPauseSet creates an empty pause set.
func newPauseSet() *pauseSet {
	return &pauseSet{flags: bitset.NewBytes(int(numPauseReasons))}
}

// set marks the provided reason active and returns whether it was
// previously clear.
func (p *pauseSet) set(r PauseReason) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	was := p.flags.Get(int(r))
	p.flags.Set(int(r))
	return !was
}

// clear removes the provided reason and returns whether it was active.
func (p *pauseSet) clear(r PauseReason) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	was := p.flags.Get(int(r))
	p.flags.Unset(int(r))
	return was
}

// test returns whether the provided reason is active.
func (p *pauseSet) test(r PauseReason) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.flags.Get(int(r))
}

// any returns whether any reason is active.
func (p *pauseSet) any() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for r := PauseReason(0); r < numPauseReasons; r++ {
		if p.flags.Get(int(r)) {
			return true
		}
	}
	return false
}

// describe returns a comma separated description of all active reasons.
func (p *pauseSet) describe() string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	var reasons []string
	for r := PauseReason(0); r < numPauseReasons; r++ {
		if p.flags.Get(int(r)) {
			reasons = append(reasons, r.String())
		}
	}
	return strings.Join(reasons, ", ")
}
