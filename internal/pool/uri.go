// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
)

// Family identifies the protocol family of a pool connection.
type Family int

// Protocol families.
const (
	FamilyStratum Family = iota
	FamilyGetWork
	FamilySimulation
)

// String returns the Family as a human-readable name.
func (f Family) String() string {
	switch f {
	case FamilyStratum:
		return "stratum"
	case FamilyGetWork:
		return "getwork"
	case FamilySimulation:
		return "simulation"
	}
	return "unknown"
}

// ExitSentinel is the special host name that instructs the manager to
// terminate the process instead of connecting.
const ExitSentinel = "exit"

// URI is one parsed pool connection definition.
type URI struct {
	raw    string
	scheme string
	family Family
	host   string
	port   uint16
	user   string
	pass   string

	// unrecoverable marks a connection the client has diagnosed as
	// permanently unusable; the manager erases it on the next rotation.
	unrecoverable uint32
}

// ParseURI parses a pool connection string. Recognized schemes are
// stratum+tcp (stratum), http/getwork (getwork) and sim (offline
// simulation). The bare string "exit" is the termination sentinel.
func ParseURI(raw string) (*URI, error) {
	if raw == ExitSentinel {
		return &URI{raw: raw, host: ExitSentinel, family: FamilyStratum}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		desc := fmt.Sprintf("invalid connection uri %q: %v", raw, err)
		return nil, makeError(ErrInvalidURI, desc)
	}

	out := &URI{raw: raw, scheme: strings.ToLower(u.Scheme)}
	switch out.scheme {
	case "stratum+tcp", "stratum":
		out.family = FamilyStratum
	case "http", "getwork":
		out.family = FamilyGetWork
	case "sim", "simulation":
		out.family = FamilySimulation
	default:
		desc := fmt.Sprintf("unsupported connection scheme %q", u.Scheme)
		return nil, makeError(ErrInvalidURI, desc)
	}

	host := u.Hostname()
	if host == "" {
		desc := fmt.Sprintf("missing host in connection uri %q", raw)
		return nil, makeError(ErrInvalidURI, desc)
	}
	out.host = host

	portStr := u.Port()
	switch {
	case portStr != "":
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			desc := fmt.Sprintf("invalid port in connection uri %q", raw)
			return nil, makeError(ErrInvalidURI, desc)
		}
		out.port = uint16(port)
	case out.family == FamilyGetWork:
		out.port = 80
	case out.family == FamilySimulation:
		// The simulation client has no endpoint.
	default:
		desc := fmt.Sprintf("missing port in connection uri %q", raw)
		return nil, makeError(ErrInvalidURI, desc)
	}

	if u.User != nil {
		out.user = u.User.Username()
		out.pass, _ = u.User.Password()
	}
	return out, nil
}

// String returns the raw connection string.
func (u *URI) String() string { return u.raw }

// Host returns the connection host name.
func (u *URI) Host() string { return u.host }

// Port returns the connection port.
func (u *URI) Port() uint16 { return u.port }

// Endpoint returns the host:port dial target.
func (u *URI) Endpoint() string {
	return net.JoinHostPort(u.host, strconv.Itoa(int(u.port)))
}

// Family returns the protocol family of the connection.
func (u *URI) Family() Family { return u.family }

// User returns the authentication user name, when present.
func (u *URI) User() string { return u.user }

// Pass returns the authentication password, when present.
func (u *URI) Pass() string { return u.pass }

// MarkUnrecoverable flags the connection as permanently unusable.
func (u *URI) MarkUnrecoverable() {
	atomic.StoreUint32(&u.unrecoverable, 1)
}

// Unrecoverable returns whether the connection has been flagged as
// permanently unusable.
func (u *URI) Unrecoverable() bool {
	return atomic.LoadUint32(&u.unrecoverable) == 1
}
