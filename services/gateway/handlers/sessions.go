// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"sync"
)

// SessionTracker tracks in-flight assistant requests per websocket session.
//
// # Description
//
// Every accepted request registers a cancel function keyed by its client
// request id, scoped to the owning session. An ai:interrupt frame cancels
// one request; a dropped connection cancels everything the session had in
// flight. Registration for an already-used id cancels the older request
// first so a client reusing an id cannot leak a goroutine, and the release
// func handed back by Register is bound to its own registration so the
// older request's deferred release cannot unregister the newer one.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type SessionTracker struct {
	mu sync.Mutex

	// sessions maps sessionID -> requestID -> registration.
	sessions map[string]map[string]*registration
}

type registration struct {
	cancel context.CancelFunc
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[string]map[string]*registration),
	}
}

// Register derives a cancelable context for a request and records its
// cancel function under (sessionID, requestID). The returned release
// removes this registration without canceling it and is a no-op once a
// later Register has claimed the same id.
func (t *SessionTracker) Register(ctx context.Context, sessionID, requestID string) (context.Context, func()) {
	reqCtx, cancel := context.WithCancel(ctx)
	reg := &registration{cancel: cancel}

	t.mu.Lock()
	reqs := t.sessions[sessionID]
	if reqs == nil {
		reqs = make(map[string]*registration)
		t.sessions[sessionID] = reqs
	}
	prev := reqs[requestID]
	reqs[requestID] = reg
	t.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	release := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		reqs, ok := t.sessions[sessionID]
		if !ok || reqs[requestID] != reg {
			return
		}
		delete(reqs, requestID)
		if len(reqs) == 0 {
			delete(t.sessions, sessionID)
		}
	}
	return reqCtx, release
}

// Cancel cancels a single in-flight request. Returns false when no
// request with that id is active for the session.
func (t *SessionTracker) Cancel(sessionID, requestID string) bool {
	t.mu.Lock()
	var reg *registration
	if reqs, ok := t.sessions[sessionID]; ok {
		reg = reqs[requestID]
		delete(reqs, requestID)
		if len(reqs) == 0 {
			delete(t.sessions, sessionID)
		}
	}
	t.mu.Unlock()

	if reg == nil {
		return false
	}
	reg.cancel()
	return true
}

// CancelSession cancels every in-flight request for a session.
// Returns the number of requests canceled. Used on disconnect.
func (t *SessionTracker) CancelSession(sessionID string) int {
	t.mu.Lock()
	reqs := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	for _, reg := range reqs {
		reg.cancel()
	}
	return len(reqs)
}

// CancelAll cancels every tracked request across all sessions.
// Returns the number of requests canceled. Used on shutdown.
func (t *SessionTracker) CancelAll() int {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]map[string]*registration)
	t.mu.Unlock()

	n := 0
	for _, reqs := range sessions {
		for _, reg := range reqs {
			reg.cancel()
			n++
		}
	}
	return n
}

// Active reports the number of in-flight requests for a session.
func (t *SessionTracker) Active(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions[sessionID])
}
