package redis

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

// Error is a constant error value of this package.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrNoSlotPool is returned when the cached topology has no pool for a
	// slot. Callers should refresh the topology and retry.
	ErrNoSlotPool = Error("redis: no pool for slot")
	// ErrClusterUnreachable is returned when no discovery node answered.
	ErrClusterUnreachable = Error("redis: no discovery node is reachable")
	// ErrClosed is returned by operations on a closed cache or pool.
	ErrClosed = Error("redis: slot cache is closed")
	// ErrNoSeeds is returned when the options name no seed address.
	ErrNoSeeds = Error("redis: at least one seed address is required")
	// ErrTooManyRedirects is returned when a command keeps being redirected.
	ErrTooManyRedirects = Error("redis: too many redirects")
)

// ConnectivityError reports a node that could not be reached.
type ConnectivityError struct {
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return "redis: node " + e.Addr + " is unreachable: " + e.Err.Error()
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivityError reports whether err signals an unreachable node.
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// redirect is a parsed MOVED or ASK error reply.
type redirect struct {
	ask  bool
	slot int
	node ClusterNode
}

// parseRedirect parses "MOVED 3999 127.0.0.1:6381" and "ASK ..." replies.
func parseRedirect(err error) (redirect, bool) {
	if err == nil {
		return redirect{}, false
	}
	fields := strings.Fields(err.Error())
	if len(fields) != 3 {
		return redirect{}, false
	}
	var r redirect
	switch fields[0] {
	case "MOVED":
	case "ASK":
		r.ask = true
	default:
		return redirect{}, false
	}
	slot, convErr := strconv.Atoi(fields[1])
	if convErr != nil || slot < 0 || slot >= HashSlots {
		return redirect{}, false
	}
	node, parseErr := ParseClusterNode(fields[2], "")
	if parseErr != nil {
		return redirect{}, false
	}
	r.slot = slot
	r.node = node
	return r, true
}
