// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import "errors"

// Thread-state usage errors. These carry zero side effects: the thread
// is exactly as it was before the call.
var (
	// ErrNoPendingInterrupt indicates Resume was called while no
	// proposed action awaits a decision.
	ErrNoPendingInterrupt = errors.New("no pending interrupt to resume")

	// ErrInterruptPending indicates a new chat turn was requested while
	// a proposed action still awaits a decision.
	ErrInterruptPending = errors.New("a proposed action is awaiting approval; resume the thread first")

	// ErrTooManyToolRounds indicates the model kept calling tools past
	// the per-turn round limit.
	ErrTooManyToolRounds = errors.New("tool round limit exceeded for one turn")
)
