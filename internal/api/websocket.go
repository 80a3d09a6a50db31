// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsUpdateInterval is the cadence of telemetry pushes to connected
// websocket clients.
const wsUpdateInterval = 5 * time.Second

var upgrader = websocket.Upgrader{}

// wsHub tracks connected websocket clients and pushes telemetry updates
// to all of them.
type wsHub struct {
	mtx     sync.Mutex
	clients map[*websocket.Conn]bool
}

// newWSHub creates an empty hub.
func newWSHub() *wsHub {
	return &wsHub{clients: make(map[*websocket.Conn]bool)}
}

// register is the handler for "GET /ws". It upgrades the HTTP request to
// a websocket and adds the caller to the list of connected clients.
func (h *wsHub) register(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Websocket upgrade error: %v", err)
		return
	}
	h.mtx.Lock()
	h.clients[ws] = true
	h.mtx.Unlock()
}

// broadcastLoop pushes telemetry snapshots to every connected client on
// a fixed cadence until the context is canceled.
func (h *wsHub) broadcastLoop(ctx context.Context, snapshot func() interface{}) {
	ticker := time.NewTicker(wsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(snapshot())
		}
	}
}

// broadcast sends one payload to all connected clients, pruning those
// that have gone away.
func (h *wsHub) broadcast(payload interface{}) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for client := range h.clients {
		err := client.WriteJSON(payload)
		if err != nil {
			// "broken pipe" indicates the client has disconnected; no
			// error worth logging.
			if !strings.Contains(err.Error(), "broken pipe") {
				log.Errorf("Websocket write error on %s: %v",
					client.RemoteAddr(), err)
			}
			client.Close()
			delete(h.clients, client)
		}
	}
}

// close drops every connected client.
func (h *wsHub) close() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}
