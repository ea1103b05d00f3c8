// SPDX-License-Identifier: AGPL-3.0-only

// Package syncreg implements the SyncRegistry: the table of in-flight
// synchronous requests keyed by conversation identifier, and the
// background expirer that reaps entries nobody ever claims (spec §4.4).
package syncreg

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xendarboh/tcpmsg/internal/worker"
	"github.com/xendarboh/tcpmsg/wire"
)

// MinTimeout is the timeout floor spec §4.4 mandates: callers asking for
// less than this get InvalidArgument at the API layer (enforced by
// client/server, not here, since this package has no API-error type of
// its own).
const MinTimeout = 1000 * time.Millisecond

// ExpireSweepInterval is how often the background expirer looks for
// entries past their deadline.
const ExpireSweepInterval = 1 * time.Second

// Response is what a send_and_wait caller receives on success.
type Response struct {
	Payload        []byte
	Metadata       map[string]interface{}
	ConversationID [wire.ConversationIDLength]byte
}

type entry struct {
	expiration time.Time
	waitCh     chan *Response // buffered 1
	delivered  bool           // a response arrived before any waiter claimed it
}

// Registry correlates SyncResponse messages to the send_and_wait callers
// that are waiting for them, and sweeps expired entries so a registry
// abandoned by a dead peer doesn't grow without bound.
type Registry struct {
	worker.Worker

	log *log.Logger

	mu      sync.Mutex
	entries map[[wire.ConversationIDLength]byte]*entry
}

// New builds a Registry and starts its background expirer. Call Halt to
// stop it.
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "syncreg"})
	}
	r := &Registry{
		log:     logger,
		entries: make(map[[wire.ConversationIDLength]byte]*entry),
	}
	r.Go(r.expireLoop)
	return r
}

// Register creates a waiter entry for id, which must be unique; a
// duplicate ConversationId is a protocol violation. expiration is the
// absolute deadline after which the registry may reap the entry.
func (r *Registry) Register(id [wire.ConversationIDLength]byte, expiration time.Time) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil, fmt.Errorf("syncreg: duplicate ConversationId %x", id)
	}
	e := &entry{expiration: expiration, waitCh: make(chan *Response, 1)}
	r.entries[id] = e
	return e, nil
}

// Wait parks until e's channel is signaled, the deadline passes, or the
// registry is halted. Regardless of outcome the entry is removed from
// the table: a late response after this returns Timeout finds nothing
// registered, so Deliver records it as a fresh, unclaimed entry that the
// expirer reaps once its expiration has passed.
func (r *Registry) Wait(id [wire.ConversationIDLength]byte, e *entry, deadline time.Time) (*Response, error) {
	defer r.remove(id)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case resp := <-e.waitCh:
		return resp, nil
	case <-timer.C:
		return nil, ErrSyncTimeout
	case <-r.HaltCh():
		return nil, ErrRegistryClosed
	}
}

// Deliver is called by the Session's reader when a SyncResponse arrives.
// If a waiter is registered under id, it is signaled; otherwise the
// response is recorded as an unclaimed entry until the expirer reaps it.
// A later Register under the same id is rejected as a duplicate while
// that entry exists.
func (r *Registry) Deliver(id [wire.ConversationIDLength]byte, expiration time.Time, resp *Response) {
	r.mu.Lock()
	e, exists := r.entries[id]
	if !exists {
		e = &entry{expiration: expiration, waitCh: make(chan *Response, 1)}
		r.entries[id] = e
	}
	r.mu.Unlock()

	select {
	case e.waitCh <- resp:
	default:
		// Already delivered once; a second SyncResponse under the same
		// ConversationId is dropped rather than overwriting the first.
	}
}

func (r *Registry) remove(id [wire.ConversationIDLength]byte) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

func (r *Registry) expireLoop() {
	ticker := time.NewTicker(ExpireSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.HaltCh():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if now.After(e.expiration) {
			delete(r.entries, id)
		}
	}
}

// Len reports the number of in-flight entries; used by tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
