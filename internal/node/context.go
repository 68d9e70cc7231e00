// Package node holds the runtime state of the local node. A Context is built
// once at startup and passed to every component that needs it.
package node

import (
	"sync"
	"sync/atomic"
	"time"
)

type Role string

const (
	RoleHub  Role = "hub"
	RoleEdge Role = "edge"
)

type Context struct {
	id   string
	role Role

	inFlight atomic.Bool

	mu          sync.RWMutex
	reachable   bool
	lastSuccess time.Time
}

func NewContext(id string, role Role) *Context {
	return &Context{id: id, role: role}
}

func (c *Context) ID() string { return c.id }

func (c *Context) Role() Role { return c.role }

// TryBegin marks a sync cycle as in flight. It returns false when one is
// already running; the caller must then drop its trigger.
func (c *Context) TryBegin() bool {
	return c.inFlight.CompareAndSwap(false, true)
}

func (c *Context) End() {
	c.inFlight.Store(false)
}

func (c *Context) Syncing() bool {
	return c.inFlight.Load()
}

// SetReachable records the latest probe result and reports whether the
// upstream just came back online.
func (c *Context) SetReachable(ok bool) (cameOnline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cameOnline = ok && !c.reachable
	c.reachable = ok
	return cameOnline
}

func (c *Context) Reachable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reachable
}

func (c *Context) MarkSuccess(at time.Time) {
	c.mu.Lock()
	c.lastSuccess = at
	c.mu.Unlock()
}

// LastSuccess returns the end time of the last complete cycle, or the zero
// time if none has completed.
func (c *Context) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}
