// Package network attributes node network traffic to processes by joining a
// node-wide connection traffic report (iftop) with per-process open socket
// reports (lsof run inside the process network namespace).
//
// Endpoints are matched by exact "ip:port" string equality. NAT'd and IPv6
// addresses are not normalized. The traffic report covers a fixed 40 second
// window, so connections shorter than that are under-counted.
package network

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// sentinel marks traffic that could not be parsed.
const sentinel int64 = -1

// Traffic is the byte count seen in each direction.
type Traffic struct {
	In  int64
	Out int64
}

// Valid reports whether both directions were parsed.
func (t Traffic) Valid() bool {
	return t.In >= 0 && t.Out >= 0
}

// ConnectionTable maps "localEndpoint|remoteEndpoint" to traffic over the
// sampling window.
type ConnectionTable map[string]Traffic

// Key builds a ConnectionTable key.
func Key(local, remote string) string {
	return local + "|" + remote
}

// SplitKey returns the local and remote endpoints of a key.
func SplitKey(key string) (local, remote string) {
	local, remote, _ = strings.Cut(key, "|")
	return local, remote
}

// add accumulates t under key; invalid traffic poisons the entry.
func (c ConnectionTable) add(key string, t Traffic) {
	cur, ok := c[key]
	if !ok {
		c[key] = t
		return
	}
	if !cur.Valid() || !t.Valid() {
		c[key] = Traffic{In: sentinel, Out: sentinel}
		return
	}
	c[key] = Traffic{In: cur.In + t.In, Out: cur.Out + t.Out}
}

// ProcessSocketMap maps a process id to the local endpoints of its
// established connections.
type ProcessSocketMap map[int]sets.Set[string]

// Add records endpoints for pid.
func (m ProcessSocketMap) Add(pid int, endpoints ...string) {
	if m[pid] == nil {
		m[pid] = sets.New[string]()
	}
	m[pid].Insert(endpoints...)
}

// Merge adds every entry of other to m.
func (m ProcessSocketMap) Merge(other ProcessSocketMap) {
	for pid, endpoints := range other {
		m.Add(pid, endpoints.UnsortedList()...)
	}
}
