// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meowcoin/meowminer/internal/device"
	"github.com/meowcoin/meowminer/internal/ethash"
	"github.com/meowcoin/meowminer/internal/mining"
)

// fakeClient is a scriptable pool client: connections to hosts listed in
// the factory's failing set report disconnection instead of
// establishing.
type fakeClient struct {
	sink      chan<- event
	fail      bool
	connected uint32
	uriMtx    sync.Mutex
	uri       *URI

	submitted []*mining.Solution
	subMtx    sync.Mutex
}

func (c *fakeClient) Connect() {
	if c.fail {
		c.sink <- disconnectedEvent{eventBase{c}}
		return
	}
	atomic.StoreUint32(&c.connected, 1)
	c.sink <- connectedEvent{eventBase{c}}
}

func (c *fakeClient) Disconnect() {
	atomic.StoreUint32(&c.connected, 0)
	c.sink <- disconnectedEvent{eventBase{c}}
}

func (c *fakeClient) IsConnected() bool {
	return atomic.LoadUint32(&c.connected) == 1
}

func (c *fakeClient) SetConnection(uri *URI) {
	c.uriMtx.Lock()
	c.uri = uri
	c.uriMtx.Unlock()
}

func (c *fakeClient) UnsetConnection() {
	c.uriMtx.Lock()
	c.uri = nil
	c.uriMtx.Unlock()
}

func (c *fakeClient) ActiveEndpoint() string {
	c.uriMtx.Lock()
	defer c.uriMtx.Unlock()
	if c.uri == nil {
		return ""
	}
	return c.uri.Endpoint()
}

func (c *fakeClient) SubmitSolution(sol *mining.Solution) {
	c.subMtx.Lock()
	c.submitted = append(c.submitted, sol)
	c.subMtx.Unlock()
}

func (c *fakeClient) SubmitHashrate(rate uint64, id string) {}

// fakeFactory builds fake clients and records every instantiation.
type fakeFactory struct {
	mtx      sync.Mutex
	failing  map[string]bool
	clients  []*fakeClient
	connects map[string]int
}

func newFakeFactory(failing ...string) *fakeFactory {
	f := &fakeFactory{
		failing:  make(map[string]bool),
		connects: make(map[string]int),
	}
	for _, host := range failing {
		f.failing[host] = true
	}
	return f
}

// allow flips a previously failing host to connectable.
func (f *fakeFactory) allow(host string) {
	f.mtx.Lock()
	delete(f.failing, host)
	f.mtx.Unlock()
}

func (f *fakeFactory) attempts(host string) int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.connects[host]
}

func (f *fakeFactory) lastClient() *fakeClient {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *fakeFactory) build(uri *URI, s Settings, sink chan<- event) Client {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	c := &fakeClient{sink: sink, fail: f.failing[uri.Host()]}
	f.clients = append(f.clients, c)
	f.connects[uri.Host()]++
	return c
}

// testFarm builds a farm on a single cpu backend device that never runs
// real searches.
func testFarm(t *testing.T) *mining.Farm {
	t.Helper()
	farm, err := mining.NewFarm(mining.Config{}, device.NewCPUBackend(1))
	if err != nil {
		t.Fatalf("unexpected error creating farm: %v", err)
	}
	return farm
}

// testManager assembles a manager with a fake client factory over the
// provided connection strings.
func testManager(t *testing.T, factory *fakeFactory, settings Settings,
	conns ...string) (*Manager, *uint32) {

	t.Helper()
	for _, raw := range conns {
		uri, err := ParseURI(raw)
		if err != nil {
			t.Fatalf("unexpected error parsing %q: %v", raw, err)
		}
		settings.Connections = append(settings.Connections, uri)
	}

	var exits uint32
	m := NewManager(settings, testFarm(t), func() {
		atomic.AddUint32(&exits, 1)
	})
	if factory != nil {
		m.newClient = factory.build
	}
	return m, &exits
}

// waitFor polls the provided condition until it holds or the deadline
// passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// activeIndex reads the manager's active connection index through the
// admin snapshot.
func activeIndex(m *Manager) int {
	for _, conn := range m.Connections() {
		if conn.Active {
			return conn.Index
		}
	}
	return -1
}

// TestRotation drives the primary through its retry budget and asserts
// the manager lands on the secondary with the switch counter bumped.
func TestRotation(t *testing.T) {
	factory := newFakeFactory("primary")
	settings := Settings{ConnectionMaxRetries: 2}
	m, _ := testManager(t, factory, settings,
		"stratum+tcp://user@primary:4444",
		"stratum+tcp://user@secondary:4444",
		"stratum+tcp://user@tertiary:4444")

	m.Start()
	defer m.Stop()

	waitFor(t, "rotation to the secondary", func() bool {
		return activeIndex(m) == 1 && m.IsConnected()
	})

	if got := factory.attempts("primary"); got != 2 {
		t.Fatalf("primary attempts: got %d, want 2", got)
	}
	if got := m.ConnectionSwitches(); got < 2 {
		t.Fatalf("connection switches: got %d, want >= 2", got)
	}
}

// TestRotationSingleRetriesForever asserts a sole connection resets its
// retry budget instead of exhausting the list.
func TestRotationSingleRetriesForever(t *testing.T) {
	factory := newFakeFactory("only")
	settings := Settings{ConnectionMaxRetries: 2}
	m, exits := testManager(t, factory, settings,
		"stratum+tcp://user@only:4444")

	m.Start()

	waitFor(t, "retries beyond the budget", func() bool {
		return factory.attempts("only") > 4
	})
	if atomic.LoadUint32(exits) != 0 {
		t.Fatal("sole connection must never trigger termination")
	}
	factory.allow("only")
	waitFor(t, "eventual connection", m.IsConnected)
	m.Stop()
}

// TestRotationExitSentinel asserts hitting the exit sentinel stops the
// manager and requests process termination.
func TestRotationExitSentinel(t *testing.T) {
	factory := newFakeFactory("deadpool")
	settings := Settings{ConnectionMaxRetries: 1}
	m, exits := testManager(t, factory, settings,
		"stratum+tcp://user@deadpool:4444",
		"exit")

	m.Start()

	waitFor(t, "termination request", func() bool {
		return atomic.LoadUint32(exits) == 1
	})
	waitFor(t, "manager stop", func() bool {
		return !m.IsRunning()
	})
}

// TestDisconnectSingleRotation asserts a disconnection under a running
// manager enqueues exactly one reconnection.
func TestDisconnectSingleRotation(t *testing.T) {
	factory := newFakeFactory()
	settings := Settings{ConnectionMaxRetries: 9000}
	m, _ := testManager(t, factory, settings,
		"stratum+tcp://user@pool:4444")

	m.Start()
	defer m.Stop()
	waitFor(t, "initial connection", m.IsConnected)

	before := factory.attempts("pool")
	factory.lastClient().Disconnect()

	waitFor(t, "reconnection", func() bool {
		return factory.attempts("pool") == before+1 && m.IsConnected()
	})

	// Settle and confirm no further rotations were enqueued.
	time.Sleep(100 * time.Millisecond)
	if got := factory.attempts("pool"); got != before+1 {
		t.Fatalf("reconnect attempts: got %d, want %d", got, before+1)
	}
}

// TestFailoverReturn asserts the failover timer brings mining back to
// the primary pool.
func TestFailoverReturn(t *testing.T) {
	factory := newFakeFactory("primary")
	settings := Settings{
		ConnectionMaxRetries: 1,
		PoolFailoverTimeout:  100 * time.Millisecond,
	}
	m, _ := testManager(t, factory, settings,
		"stratum+tcp://user@primary:4444",
		"stratum+tcp://user@secondary:4444")

	m.Start()
	defer m.Stop()

	waitFor(t, "failover to the secondary", func() bool {
		return activeIndex(m) == 1 && m.IsConnected()
	})

	// Let the primary recover; the failover timer must route back.
	factory.allow("primary")
	waitFor(t, "return to the primary", func() bool {
		return activeIndex(m) == 0 && m.IsConnected()
	})
}

// TestAdminMutations covers the connection list admin surface.
func TestAdminMutations(t *testing.T) {
	factory := newFakeFactory()
	settings := Settings{ConnectionMaxRetries: 9000}
	m, _ := testManager(t, factory, settings,
		"stratum+tcp://user@pool-a:4444",
		"stratum+tcp://user@pool-b:4444",
		"stratum+tcp://user@pool-c:4444")

	m.Start()
	defer m.Stop()
	waitFor(t, "initial connection", m.IsConnected)

	// Removing the active connection fails.
	err := m.RemoveConnection(0)
	if !errors.Is(err, ErrActiveConnection) {
		t.Fatalf("remove active: got %v, want ErrActiveConnection", err)
	}

	// Out of bounds fails.
	err = m.RemoveConnection(7)
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("remove out of bounds: got %v, want ErrOutOfBounds", err)
	}

	// Removing another succeeds.
	if err := m.RemoveConnection(1); err != nil {
		t.Fatalf("remove: unexpected error: %v", err)
	}
	if got := len(m.Connections()); got != 2 {
		t.Fatalf("connection count: got %d, want 2", got)
	}

	// Adding appends.
	if err := m.AddConnection("stratum+tcp://user@pool-d:4444"); err != nil {
		t.Fatalf("add: unexpected error: %v", err)
	}
	if got := len(m.Connections()); got != 3 {
		t.Fatalf("connection count: got %d, want 3", got)
	}

	// Switching by name matches case-insensitively and actually
	// switches.
	err = m.SetActiveConnectionByName("STRATUM+TCP://user@pool-d:4444")
	if err != nil {
		t.Fatalf("set active by name: unexpected error: %v", err)
	}
	waitFor(t, "switch to pool-d", func() bool {
		return activeIndex(m) == 2 && m.IsConnected()
	})

	// A non-configured connection reports not found.
	err = m.SetActiveConnectionByName("stratum+tcp://user@nowhere:4444")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("set active unknown: got %v, want ErrNotFound", err)
	}
}

// TestRemoveShiftsActiveIndex asserts removing a connection below the
// active one keeps the same pool active.
func TestRemoveShiftsActiveIndex(t *testing.T) {
	factory := newFakeFactory("pool-a")
	settings := Settings{ConnectionMaxRetries: 1}
	m, _ := testManager(t, factory, settings,
		"stratum+tcp://user@pool-a:4444",
		"stratum+tcp://user@pool-b:4444")

	m.Start()
	defer m.Stop()
	waitFor(t, "rotation to pool-b", func() bool {
		return activeIndex(m) == 1 && m.IsConnected()
	})

	if err := m.RemoveConnection(0); err != nil {
		t.Fatalf("remove: unexpected error: %v", err)
	}
	conns := m.Connections()
	if len(conns) != 1 || !conns[0].Active {
		t.Fatalf("active connection lost after removal: %+v", conns)
	}
}

// TestWorkIntake covers validation, epoch derivation and change
// accounting of received work packages.
func TestWorkIntake(t *testing.T) {
	settings := Settings{ConnectionMaxRetries: 9000}
	m, _ := testManager(t, nil, settings, "stratum+tcp://user@pool:4444")
	farm := m.farm

	// Malformed: no block height.
	wp := mining.WorkPackage{Header: ethash.Keccak256([]byte("a"))}
	m.onWorkReceived(wp)
	if m.currentWork.IsPresent() {
		t.Fatal("work without a block height must be ignored")
	}
	farmWork := farm.CurrentWork()
	if farmWork.IsPresent() {
		t.Fatal("malformed work must not reach the farm")
	}

	// Valid: epoch derived from the block height.
	block := uint64(2*ethash.EpochLength + 5)
	wp.Block = &block
	var boundary ethash.Hash256
	boundary[0] = 0x00
	boundary[1] = 0xff
	wp.Boundary = boundary
	m.onWorkReceived(wp)

	if !m.currentWork.IsPresent() {
		t.Fatal("valid work must be retained")
	}
	if m.currentWork.Epoch == nil || *m.currentWork.Epoch != 2 {
		t.Fatalf("derived epoch: got %v, want 2", m.currentWork.Epoch)
	}
	if got := m.EpochChanges(); got != 1 {
		t.Fatalf("epoch changes: got %d, want 1", got)
	}
	farmWork = farm.CurrentWork()
	if !farmWork.IsPresent() {
		t.Fatal("valid work must be published to the farm")
	}

	// Same epoch, same boundary: no change accounting.
	m.onWorkReceived(wp)
	if got := m.EpochChanges(); got != 1 {
		t.Fatalf("epoch changes after repeat: got %d, want 1", got)
	}

	// New epoch bumps the counter.
	block2 := uint64(3 * ethash.EpochLength)
	wp2 := wp
	wp2.Block = &block2
	wp2.Epoch = nil
	m.onWorkReceived(wp2)
	if got := m.EpochChanges(); got != 2 {
		t.Fatalf("epoch changes after new epoch: got %d, want 2", got)
	}
}

// TestSubmitProofRouting asserts solutions pass through to a connected
// client and are wasted otherwise.
func TestSubmitProofRouting(t *testing.T) {
	factory := newFakeFactory()
	settings := Settings{ConnectionMaxRetries: 9000}
	m, _ := testManager(t, factory, settings, "stratum+tcp://user@pool:4444")

	m.Start()
	defer m.Stop()
	waitFor(t, "initial connection", m.IsConnected)

	sol := &mining.Solution{Nonce: 1, Tstamp: time.Now()}
	m.submitProof(sol)
	client := factory.lastClient()
	waitFor(t, "solution forwarding", func() bool {
		client.subMtx.Lock()
		defer client.subMtx.Unlock()
		return len(client.submitted) == 1
	})

	// Disconnected: the solution is wasted, not submitted.
	atomic.StoreUint32(&client.connected, 0)
	m.submitProof(sol)
	waitFor(t, "wasted accounting", func() bool {
		return m.farm.Snapshot().Solutions.Wasted == 1
	})
	client.subMtx.Lock()
	submitted := len(client.submitted)
	client.subMtx.Unlock()
	if submitted != 1 {
		t.Fatalf("submissions while disconnected: got %d, want 1", submitted)
	}
}

// TestStrandOrdering asserts posted tasks execute in FIFO order on the
// strand.
func TestStrandOrdering(t *testing.T) {
	settings := Settings{ConnectionMaxRetries: 9000}
	m, _ := testManager(t, nil, settings, "stratum+tcp://user@pool:4444")

	m.wg.Add(1)
	go m.run()
	defer m.shutdownStrand()

	var order []int
	var mtx sync.Mutex
	for i := 0; i < 32; i++ {
		i := i
		m.post(func() {
			mtx.Lock()
			order = append(order, i)
			mtx.Unlock()
		})
	}
	// A synchronous call fences all earlier posts.
	if err := m.call(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mtx.Lock()
	defer mtx.Unlock()
	if len(order) != 32 {
		t.Fatalf("executed tasks: got %d, want 32", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d executed out of order (got %d)", i, v)
		}
	}
}
