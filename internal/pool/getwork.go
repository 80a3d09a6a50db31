// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meowcoin/meowminer/internal/ethash"
	"github.com/meowcoin/meowminer/internal/mining"
)

// getwork JSON-RPC methods.
const (
	methodGetWork        = "eth_getWork"
	methodSubmitWork     = "eth_submitWork"
	methodSubmitHashrate = "eth_submitHashrate"
)

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	ID      uint64        `json:"id"`
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// getworkClient polls a node's getwork RPC endpoint on a fixed cadence,
// surfacing new jobs as work events. It is "connected" as long as the
// endpoint answers and jobs keep arriving within the no-work timeout.
type getworkClient struct {
	settings Settings
	sink     chan<- event

	uriMtx sync.Mutex
	uri    *URI

	httpc     *http.Client
	id        uint64
	connected uint32

	lastHeader ethash.Hash256

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// newGetworkClient creates a disconnected getwork client.
func newGetworkClient(settings Settings, sink chan<- event) Client {
	return &getworkClient{
		settings: settings,
		sink:     sink,
		httpc:    &http.Client{Timeout: settings.NoResponseTimeout},
		quit:     make(chan struct{}),
	}
}

func (c *getworkClient) SetConnection(uri *URI) {
	c.uriMtx.Lock()
	c.uri = uri
	c.uriMtx.Unlock()
}

func (c *getworkClient) UnsetConnection() {
	c.uriMtx.Lock()
	c.uri = nil
	c.uriMtx.Unlock()
}

func (c *getworkClient) IsConnected() bool {
	return atomic.LoadUint32(&c.connected) == 1
}

func (c *getworkClient) ActiveEndpoint() string {
	c.uriMtx.Lock()
	defer c.uriMtx.Unlock()
	if !c.IsConnected() || c.uri == nil {
		return ""
	}
	return c.uri.Endpoint()
}

// Connect starts the polling loop. The first successful poll establishes
// the session.
func (c *getworkClient) Connect() {
	c.wg.Add(1)
	go c.poll()
}

// Disconnect stops polling and reports the disconnection.
func (c *getworkClient) Disconnect() {
	c.shutdown()
}

func (c *getworkClient) shutdown() {
	c.quitOnce.Do(func() {
		close(c.quit)
		atomic.StoreUint32(&c.connected, 0)
		select {
		case c.sink <- disconnectedEvent{eventBase{c}}:
		default:
		}
	})
}

// endpoint renders the RPC URL for the configured connection.
func (c *getworkClient) endpoint() (string, error) {
	c.uriMtx.Lock()
	defer c.uriMtx.Unlock()
	if c.uri == nil {
		return "", makeError(ErrTransport, "no connection configured")
	}
	return fmt.Sprintf("http://%s/", c.uri.Endpoint()), nil
}

// rpcCall performs one JSON-RPC round trip.
func (c *getworkClient) rpcCall(method string, params []interface{}) (json.RawMessage, error) {
	url, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	req := rpcRequest{
		ID:      atomic.AddUint64(&c.id, 1),
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpc.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		desc := fmt.Sprintf("rpc %s: %v", method, err)
		return nil, makeError(ErrTransport, desc)
	}
	defer httpResp.Body.Close()

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		desc := fmt.Sprintf("rpc %s: unable to decode response: %v", method, err)
		return nil, makeError(ErrTransport, desc)
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		desc := fmt.Sprintf("rpc %s: %s", method, resp.Error)
		return nil, makeError(ErrTransport, desc)
	}
	return resp.Result, nil
}

// poll is the request loop. It must be run as a goroutine.
func (c *getworkClient) poll() {
	defer c.wg.Done()

	interval := c.settings.GetWorkPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastNewWork := time.Now()

	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
		}

		result, err := c.rpcCall(methodGetWork, []interface{}{})
		if err != nil {
			log.Errorf("Getwork poll failed: %v", err)
			c.shutdown()
			return
		}

		if atomic.CompareAndSwapUint32(&c.connected, 0, 1) {
			c.sink <- connectedEvent{eventBase{c}}
		}

		wp, err := c.parseWork(result)
		if err != nil {
			log.Warnf("Invalid getwork result: %v", err)
			continue
		}

		if wp.Header != c.lastHeader {
			c.lastHeader = wp.Header
			lastNewWork = time.Now()
			c.sink <- workEvent{eventBase{c}, wp}
		} else if c.settings.NoWorkTimeout > 0 &&
			time.Since(lastNewWork) > c.settings.NoWorkTimeout {
			log.Warnf("No new work received in %s, disconnecting",
				c.settings.NoWorkTimeout)
			c.shutdown()
			return
		}
	}
}

// parseWork builds a WorkPackage from a getwork result:
// [headerHash, seedHash, boundary, height].
func (c *getworkClient) parseWork(result json.RawMessage) (mining.WorkPackage, error) {
	var wp mining.WorkPackage
	var fields []string
	if err := json.Unmarshal(result, &fields); err != nil {
		return wp, makeError(ErrMalformedWork, "getwork result is not an array")
	}
	if len(fields) < 3 {
		return wp, makeError(ErrMalformedWork, "short getwork result")
	}

	header, err := ethash.HashFromHex(fields[0])
	if err != nil {
		return wp, err
	}
	seed, err := ethash.HashFromHex(fields[1])
	if err != nil {
		return wp, err
	}
	boundary, err := ethash.HashFromHex(fields[2])
	if err != nil {
		return wp, err
	}

	wp = mining.WorkPackage{
		JobID:    header.String()[:16],
		Header:   header,
		Seed:     seed,
		Boundary: boundary,
		Algo:     "meowpow",
	}

	if len(fields) >= 4 {
		h := strings.TrimPrefix(fields[3], "0x")
		if block, err := strconv.ParseUint(h, 16, 64); err == nil {
			wp.Block = &block
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

// SubmitSolution forwards a solution through eth_submitWork.
func (c *getworkClient) SubmitSolution(sol *mining.Solution) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		params := []interface{}{
			fmt.Sprintf("0x%016x", sol.Nonce),
			"0x" + sol.Work.Header.String(),
			"0x" + sol.MixHash.String(),
		}
		result, err := c.rpcCall(methodSubmitWork, params)
		if err != nil {
			log.Errorf("Unable to submit solution: %v", err)
			c.shutdown()
			return
		}
		delay := time.Since(sol.Tstamp)

		var accepted bool
		if err := json.Unmarshal(result, &accepted); err == nil && accepted {
			c.sink <- solutionAcceptedEvent{eventBase{c}, delay, sol.MinerIdx, false}
			return
		}
		c.sink <- solutionRejectedEvent{eventBase{c}, delay, sol.MinerIdx}
	}()
}

// SubmitHashrate reports the farm hash rate through eth_submitHashrate.
func (c *getworkClient) SubmitHashrate(rate uint64, hrID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		params := []interface{}{fmt.Sprintf("0x%x", rate), hrID}
		if _, err := c.rpcCall(methodSubmitHashrate, params); err != nil {
			log.Debugf("Unable to submit hashrate: %v", err)
		}
	}()
}
