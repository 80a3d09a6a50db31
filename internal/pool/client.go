// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"time"

	"github.com/meowcoin/meowminer/internal/mining"
)

// Client is the consumed interface of one pool protocol session. A
// client delivers its lifecycle and work events by publishing onto the
// manager's event channel; events are drained and handled on the
// manager's strand, which makes their ordering explicit.
type Client interface {
	// Connect starts the session asynchronously. Success or failure is
	// reported through connected/disconnected events.
	Connect()

	// Disconnect tears the session down. A disconnected event follows.
	Disconnect()

	// IsConnected returns whether the session is established.
	IsConnected() bool

	// SetConnection points the client at a connection definition.
	SetConnection(uri *URI)

	// UnsetConnection detaches the client from its connection
	// definition.
	UnsetConnection()

	// ActiveEndpoint returns the resolved remote endpoint, or an empty
	// string when not connected.
	ActiveEndpoint() string

	// SubmitSolution forwards a verified solution to the pool.
	SubmitSolution(sol *mining.Solution)

	// SubmitHashrate reports the farm hash rate to the pool.
	SubmitHashrate(rate uint64, id string)
}

// event is one client-published occurrence drained on the manager
// strand. Every event carries its source so the manager can discard
// stragglers from rotated-out clients.
type event interface {
	source() Client
}

// eventBase implements source tracking for all event types.
type eventBase struct {
	src Client
}

func (e eventBase) source() Client { return e.src }

// connectedEvent reports an established session.
type connectedEvent struct {
	eventBase
}

// disconnectedEvent reports a torn down or failed session.
type disconnectedEvent struct {
	eventBase
}

// workEvent delivers a received work package.
type workEvent struct {
	eventBase
	work mining.WorkPackage
}

// solutionAcceptedEvent reports a pool-accepted solution.
type solutionAcceptedEvent struct {
	eventBase
	delay    time.Duration
	minerIdx uint32
	stale    bool
}

// solutionRejectedEvent reports a pool-rejected solution.
type solutionRejectedEvent struct {
	eventBase
	delay    time.Duration
	minerIdx uint32
}
