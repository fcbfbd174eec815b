// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package thread holds the durable conversation state of the assistant.
//
// A thread is bound to exactly one graph+workspace for its whole life and
// is owned by whichever node currently holds it in memory. Persistence
// through a Store lets a thread roam to another node in a horizontally
// scaled deployment.
package thread

import (
	"time"

	"github.com/AleutianAI/graphpilot/services/agent/tools"
	"github.com/AleutianAI/graphpilot/services/llm"
)

// Thread is one persisted conversation session.
//
// Invariant: GraphKey and Workspace are set at creation and never change.
// At most one PendingAction exists at any time.
type Thread struct {
	// ID is the stable thread identifier.
	ID string `json:"id"`

	// GraphKey is the graph this thread converses about.
	GraphKey string `json:"graphKey"`

	// Workspace is the tenant the thread belongs to.
	Workspace string `json:"workspace"`

	// UserID is the user who created the thread.
	UserID string `json:"userId"`

	// Messages is the full conversation history.
	Messages []llm.Message `json:"messages"`

	// PendingAction is the proposed mutation awaiting approval, if any.
	PendingAction *tools.ProposedAction `json:"pendingAction,omitempty"`

	// TurnCount is the number of completed turns.
	TurnCount int `json:"turnCount"`

	// Usage accumulates token accounting across turns.
	Usage llm.Usage `json:"usage"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Touch updates the last-modified timestamp.
func (t *Thread) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// HasPendingInterrupt reports whether a ProposedAction awaits a decision.
func (t *Thread) HasPendingInterrupt() bool {
	return t.PendingAction != nil
}
