// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/meowcoin/meowminer/internal/ethash"
	"github.com/meowcoin/meowminer/internal/mining"
)

// Stratum message methods.
const (
	stratumSubscribe     = "mining.subscribe"
	stratumAuthorize     = "mining.authorize"
	stratumSubmit        = "mining.submit"
	stratumNotify        = "mining.notify"
	stratumSetTarget     = "mining.set_target"
	stratumSetExtranonce = "mining.set_extranonce"
	stratumHashrate      = "eth_submitHashrate"
)

// stratumRequest is a stratum request or notification message.
type stratumRequest struct {
	ID     *uint64       `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// stratumResponse is a stratum response message.
type stratumResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// pendingRequest correlates an in-flight request id with its method and
// submission metadata.
type pendingRequest struct {
	method   string
	tstamp   time.Time
	minerIdx uint32
}

// stratumClient is a JSON-lines stratum session over TCP. It implements
// enough of the protocol to feed the manager's event model: subscribe,
// authorize, job notifications, target updates and share submission.
type stratumClient struct {
	settings Settings
	sink     chan<- event

	id uint64 // request id counter, updated atomically

	uriMtx sync.Mutex
	uri    *URI

	connected uint32
	conn      net.Conn
	encMtx    sync.Mutex
	encoder   *json.Encoder

	reqMtx sync.Mutex
	req    map[uint64]pendingRequest

	extraNonce     uint64
	extraNonceSize uint16
	lastBoundary   ethash.Hash256

	noWorkTimer *time.Timer
	timerMtx    sync.Mutex

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// newStratumClient creates a disconnected stratum client.
func newStratumClient(settings Settings, sink chan<- event) Client {
	return &stratumClient{
		settings: settings,
		sink:     sink,
		req:      make(map[uint64]pendingRequest),
		quit:     make(chan struct{}),
	}
}

func (c *stratumClient) SetConnection(uri *URI) {
	c.uriMtx.Lock()
	c.uri = uri
	c.uriMtx.Unlock()
}

func (c *stratumClient) UnsetConnection() {
	c.uriMtx.Lock()
	c.uri = nil
	c.uriMtx.Unlock()
}

func (c *stratumClient) IsConnected() bool {
	return atomic.LoadUint32(&c.connected) == 1
}

func (c *stratumClient) ActiveEndpoint() string {
	if !c.IsConnected() || c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// Connect dials the pool and starts the session. Establishment and every
// later failure are reported through the event sink.
func (c *stratumClient) Connect() {
	c.uriMtx.Lock()
	uri := c.uri
	c.uriMtx.Unlock()
	if uri == nil {
		c.emitDisconnect()
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		dialer := net.Dialer{Timeout: c.settings.NoResponseTimeout}
		conn, err := dialer.Dial("tcp", uri.Endpoint())
		if err != nil {
			log.Errorf("Unable to connect to %s: %v", uri.Endpoint(), err)
			c.emitDisconnect()
			return
		}
		c.conn = conn
		c.encoder = json.NewEncoder(conn)

		if err := c.subscribe(); err != nil {
			log.Errorf("Unable to subscribe: %v", err)
			c.shutdown()
			return
		}
		if err := c.authorize(uri); err != nil {
			log.Errorf("Unable to authorize: %v", err)
			c.shutdown()
			return
		}

		atomic.StoreUint32(&c.connected, 1)
		c.sink <- connectedEvent{eventBase{c}}
		c.resetNoWorkTimer()

		c.wg.Add(1)
		go c.listen(uri)
	}()
}

// Disconnect tears the session down and reports it.
func (c *stratumClient) Disconnect() {
	c.shutdown()
}

// shutdown closes the transport once and emits the disconnected event.
func (c *stratumClient) shutdown() {
	c.quitOnce.Do(func() {
		close(c.quit)
		atomic.StoreUint32(&c.connected, 0)
		c.timerMtx.Lock()
		if c.noWorkTimer != nil {
			c.noWorkTimer.Stop()
			c.noWorkTimer = nil
		}
		c.timerMtx.Unlock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.emitDisconnect()
	})
}

// emitDisconnect publishes a disconnected event without blocking
// forever should the manager be gone.
func (c *stratumClient) emitDisconnect() {
	select {
	case c.sink <- disconnectedEvent{eventBase{c}}:
	default:
	}
}

// nextID returns the next message id for the session.
func (c *stratumClient) nextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

// recordRequest logs a request as an id/method pair.
func (c *stratumClient) recordRequest(id uint64, req pendingRequest) {
	c.reqMtx.Lock()
	c.req[id] = req
	c.reqMtx.Unlock()
}

// fetchRequest fetches and removes the recorded request for the id.
func (c *stratumClient) fetchRequest(id uint64) (pendingRequest, bool) {
	c.reqMtx.Lock()
	req, ok := c.req[id]
	delete(c.req, id)
	c.reqMtx.Unlock()
	return req, ok
}

// send encodes one message onto the wire.
func (c *stratumClient) send(msg interface{}) error {
	c.encMtx.Lock()
	defer c.encMtx.Unlock()
	if c.settings.NoResponseTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.settings.NoResponseTimeout))
	}
	return c.encoder.Encode(msg)
}

// subscribe sends the stratum subscription message.
func (c *stratumClient) subscribe() error {
	id := c.nextID()
	req := stratumRequest{
		ID:     &id,
		Method: stratumSubscribe,
		Params: []interface{}{"meowminer", "EthereumStratum/1.0.0"},
	}
	if err := c.send(req); err != nil {
		return err
	}
	c.recordRequest(id, pendingRequest{method: stratumSubscribe, tstamp: time.Now()})
	return nil
}

// authorize sends the stratum authorization message.
func (c *stratumClient) authorize(uri *URI) error {
	id := c.nextID()
	req := stratumRequest{
		ID:     &id,
		Method: stratumAuthorize,
		Params: []interface{}{uri.User(), uri.Pass()},
	}
	if err := c.send(req); err != nil {
		return err
	}
	c.recordRequest(id, pendingRequest{method: stratumAuthorize, tstamp: time.Now()})
	return nil
}

// SubmitSolution forwards a verified solution to the pool.
func (c *stratumClient) SubmitSolution(sol *mining.Solution) {
	c.uriMtx.Lock()
	uri := c.uri
	c.uriMtx.Unlock()
	if uri == nil || !c.IsConnected() {
		return
	}

	id := c.nextID()
	req := stratumRequest{
		ID:     &id,
		Method: stratumSubmit,
		Params: []interface{}{
			uri.User(),
			sol.Work.JobID,
			fmt.Sprintf("0x%016x", sol.Nonce),
			"0x" + sol.Work.Header.String(),
			"0x" + sol.MixHash.String(),
		},
	}
	if err := c.send(req); err != nil {
		log.Errorf("Unable to submit solution: %v", err)
		c.shutdown()
		return
	}
	c.recordRequest(id, pendingRequest{
		method:   stratumSubmit,
		tstamp:   sol.Tstamp,
		minerIdx: sol.MinerIdx,
	})
}

// SubmitHashrate reports the farm hash rate to the pool.
func (c *stratumClient) SubmitHashrate(rate uint64, hrID string) {
	if !c.IsConnected() {
		return
	}
	id := c.nextID()
	req := stratumRequest{
		ID:     &id,
		Method: stratumHashrate,
		Params: []interface{}{fmt.Sprintf("0x%x", rate), hrID},
	}
	if err := c.send(req); err != nil {
		log.Errorf("Unable to submit hashrate: %v", err)
		c.shutdown()
	}
}

// resetNoWorkTimer (re)arms the no-work watchdog.
func (c *stratumClient) resetNoWorkTimer() {
	if c.settings.NoWorkTimeout <= 0 {
		return
	}
	c.timerMtx.Lock()
	defer c.timerMtx.Unlock()
	if c.noWorkTimer != nil {
		c.noWorkTimer.Stop()
	}
	c.noWorkTimer = time.AfterFunc(c.settings.NoWorkTimeout, func() {
		log.Warnf("No new work received in %s, disconnecting",
			c.settings.NoWorkTimeout)
		c.shutdown()
	})
}

// listen reads and processes incoming messages from the pool. It must be
// run as a goroutine.
func (c *stratumClient) listen(uri *URI) {
	defer c.wg.Done()
	reader := bufio.NewReader(c.conn)

	for {
		select {
		case <-c.quit:
			return
		default:
		}

		if c.settings.NoResponseTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.settings.NoResponseTimeout))
		}
		data, err := reader.ReadBytes('\n')
		if err != nil {
			log.Debugf("Pool read error: %v", err)
			c.shutdown()
			return
		}
		log.Tracef("Message received: %v", spew.Sdump(string(data)))

		// A message with a method is a request or notification from the
		// pool, anything else correlates to one of our requests.
		var probe struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			log.Errorf("Message identification error: %v", err)
			continue
		}

		if probe.Method != "" {
			var notif stratumRequest
			if err := json.Unmarshal(data, &notif); err != nil {
				log.Errorf("Unable to parse notification: %v", err)
				continue
			}
			c.handleNotification(&notif)
			continue
		}

		var resp stratumResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Errorf("Unable to parse response: %v", err)
			continue
		}
		c.handleResponse(&resp)
	}
}

// handleNotification processes pool-initiated messages.
func (c *stratumClient) handleNotification(notif *stratumRequest) {
	switch notif.Method {
	case stratumNotify:
		wp, err := c.parseNotify(notif.Params)
		if err != nil {
			log.Errorf("Unable to parse work notification: %v", err)
			return
		}
		c.resetNoWorkTimer()
		c.sink <- workEvent{eventBase{c}, wp}

	case stratumSetTarget:
		if len(notif.Params) < 1 {
			return
		}
		s, ok := notif.Params[0].(string)
		if !ok {
			return
		}
		boundary, err := ethash.HashFromHex(s)
		if err != nil {
			log.Errorf("Unable to parse target: %v", err)
			return
		}
		c.lastBoundary = boundary

	case stratumSetExtranonce:
		if len(notif.Params) < 1 {
			return
		}
		s, ok := notif.Params[0].(string)
		if !ok {
			return
		}
		if err := c.setExtraNonce(s); err != nil {
			log.Errorf("Unable to parse extranonce: %v", err)
		}

	default:
		log.Debugf("Unknown notification method %q", notif.Method)
	}
}

// handleResponse correlates a pool response with its request.
func (c *stratumClient) handleResponse(resp *stratumResponse) {
	req, ok := c.fetchRequest(resp.ID)
	if !ok {
		log.Errorf("No request found for response with id %d", resp.ID)
		return
	}

	switch req.method {
	case stratumSubscribe:
		// EthereumStratum subscriptions answer with the session id and
		// the assigned extranonce prefix.
		var result []json.RawMessage
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			log.Errorf("Unable to parse subscribe response: %v", err)
			c.shutdown()
			return
		}
		if len(result) >= 2 {
			var extraNonce string
			if err := json.Unmarshal(result[1], &extraNonce); err == nil {
				if err := c.setExtraNonce(extraNonce); err != nil {
					log.Errorf("Unable to parse extranonce: %v", err)
				}
			}
		}

	case stratumAuthorize:
		var status bool
		if len(resp.Error) > 0 && string(resp.Error) != "null" {
			log.Errorf("Authorize error: %s", resp.Error)
			c.shutdown()
			return
		}
		if err := json.Unmarshal(resp.Result, &status); err != nil || !status {
			log.Error("Authorize request failed")
			c.shutdown()
			return
		}
		log.Debug("Session successfully authorized")

	case stratumSubmit:
		delay := time.Since(req.tstamp)
		if len(resp.Error) > 0 && string(resp.Error) != "null" {
			c.sink <- solutionRejectedEvent{eventBase{c}, delay, req.minerIdx}
			return
		}
		var accepted bool
		if err := json.Unmarshal(resp.Result, &accepted); err != nil || !accepted {
			c.sink <- solutionRejectedEvent{eventBase{c}, delay, req.minerIdx}
			return
		}
		c.sink <- solutionAcceptedEvent{eventBase{c}, delay, req.minerIdx, false}

	case stratumHashrate:
		// Nothing to do.

	default:
		log.Errorf("Unknown request method for response: %s", req.method)
	}
}

// setExtraNonce installs the pool-assigned nonce prefix: the prefix
// occupies the top bytes of the nonce space, so the start nonce is the
// prefix value shifted into the most significant bytes.
func (c *stratumClient) setExtraNonce(hexPrefix string) error {
	hexPrefix = strings.TrimPrefix(hexPrefix, "0x")
	if hexPrefix == "" {
		c.extraNonce = 0
		c.extraNonceSize = 0
		return nil
	}
	if len(hexPrefix)%2 != 0 {
		hexPrefix = "0" + hexPrefix
	}
	b, err := hex.DecodeString(hexPrefix)
	if err != nil {
		return err
	}
	if len(b) > 8 {
		return fmt.Errorf("extranonce of %d bytes exceeds nonce width", len(b))
	}
	var padded [8]byte
	copy(padded[:], b)
	c.extraNonce = binary.BigEndian.Uint64(padded[:])
	c.extraNonceSize = uint16(len(b))
	return nil
}

// parseNotify builds a WorkPackage from a mining.notify notification:
// [jobID, headerHash, seedHash, target, cleanJobs, height].
func (c *stratumClient) parseNotify(params []interface{}) (mining.WorkPackage, error) {
	var wp mining.WorkPackage
	if len(params) < 4 {
		return wp, makeError(ErrMalformedWork, "short notify params")
	}

	jobID, ok := params[0].(string)
	if !ok {
		return wp, makeError(ErrMalformedWork, "job id is not a string")
	}
	headerHex, ok := params[1].(string)
	if !ok {
		return wp, makeError(ErrMalformedWork, "header is not a string")
	}
	seedHex, ok := params[2].(string)
	if !ok {
		return wp, makeError(ErrMalformedWork, "seed is not a string")
	}
	targetHex, ok := params[3].(string)
	if !ok {
		return wp, makeError(ErrMalformedWork, "target is not a string")
	}

	header, err := ethash.HashFromHex(headerHex)
	if err != nil {
		return wp, err
	}
	seed, err := ethash.HashFromHex(seedHex)
	if err != nil {
		return wp, err
	}
	boundary, err := ethash.HashFromHex(targetHex)
	if err != nil {
		return wp, err
	}
	if boundary.IsZero() {
		boundary = c.lastBoundary
	}

	wp = mining.WorkPackage{
		JobID:          jobID,
		Header:         header,
		Seed:           seed,
		Boundary:       boundary,
		StartNonce:     c.extraNonce,
		ExtraNonceSize: c.extraNonceSize,
		Algo:           "meowpow",
	}

	// Height is carried as the sixth parameter by meowpow pools; derive
	// it from the seed's epoch when absent.
	if len(params) >= 6 {
		switch v := params[5].(type) {
		case float64:
			block := uint64(v)
			wp.Block = &block
		case string:
			h := strings.TrimPrefix(v, "0x")
			if block, err := strconv.ParseUint(h, 16, 64); err == nil {
				wp.Block = &block
			}
		}
	}
	if wp.Block == nil {
		epoch, err := ethash.EpochFromSeed(seed)
		if err != nil {
			return wp, makeError(ErrMalformedWork,
				"work without height or known seed")
		}
		block := uint64(epoch) * ethash.EpochLength
		wp.Block = &block
		wp.Epoch = &epoch
	}
	return wp, nil
}
