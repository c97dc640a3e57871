package server

import "sync/atomic"

// Gate holds /readyz closed while the process drains. The zero value is open.
type Gate struct {
	closed atomic.Bool
	reason atomic.Value
}

// Close fails readiness with reason until Open is called.
func (g *Gate) Close(reason string) {
	g.reason.Store(reason)
	g.closed.Store(true)
}

// Open restores readiness.
func (g *Gate) Open() {
	g.closed.Store(false)
	g.reason.Store("")
}

// Closed reports whether the gate is closed and why.
func (g *Gate) Closed() (bool, string) {
	if !g.closed.Load() {
		return false, ""
	}
	r, _ := g.reason.Load().(string)
	if r == "" {
		r = "draining"
	}
	return true, r
}
