// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

// StreamChunkType discriminates StreamChunk variants.
type StreamChunkType string

const (
	// StreamChunkToken carries one text token.
	StreamChunkToken StreamChunkType = "token"

	// StreamChunkToolCallStart announces a tool call the first time its
	// stream index is seen; the id and name are present, the arguments
	// may still be empty.
	StreamChunkToolCallStart StreamChunkType = "tool_call_start"

	// StreamChunkToolCallDone carries one fully assembled tool call.
	// Emitted on natural stream end only, once per distinct index, in
	// first-seen order.
	StreamChunkToolCallDone StreamChunkType = "tool_call_done"

	// StreamChunkUsage carries the backend's cumulative token counts.
	StreamChunkUsage StreamChunkType = "usage"

	// StreamChunkDone terminates the sequence. Exactly one per stream
	// that ends naturally.
	StreamChunkDone StreamChunkType = "done"
)

// StreamChunk is one element of the normalized streaming protocol.
//
// # Ordering
//
// Zero or more token chunks interleaved with tool_call_start chunks as
// tool calls first appear; a usage chunk when the backend reports counts
// (typically near the end); then exactly one tool_call_done per distinct
// index observed, in first-seen order; finally one done chunk. An aborted
// stream emits nothing after the abort, including no tool_call_done for
// unfinished accumulation.
type StreamChunk struct {
	Type StreamChunkType `json:"type"`

	// Token is set for token chunks.
	Token string `json:"token,omitempty"`

	// Index is the zero-based stream index for tool-call chunks.
	Index int `json:"index,omitempty"`

	// ToolCall is set for tool_call_start (arguments possibly partial)
	// and tool_call_done (arguments complete).
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Usage is set for usage chunks.
	Usage *Usage `json:"usage,omitempty"`
}

// StreamCallback receives chunks in emission order.
//
// Returning a non-nil error aborts the stream; the transport is closed
// and no further chunks are delivered.
type StreamCallback func(chunk StreamChunk) error

// toolCallAccumulator assembles fragmented tool calls keyed by the
// zero-based stream index. Ids may be empty on later fragments, so the
// index, not the id, is the identity of a call within one stream.
//
// The accumulator lives for the duration of one streaming turn and is
// not safe for concurrent use; streams deliver fragments sequentially.
type toolCallAccumulator struct {
	calls map[int]*accumulatedCall
	order []int
}

type accumulatedCall struct {
	id   string
	name string
	args []byte
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*accumulatedCall)}
}

// add ingests one fragment. It returns true when this is the first
// fragment for the index, in which case the caller must surface a
// tool_call_start chunk immediately.
func (a *toolCallAccumulator) add(index int, id, name, argFragment string) bool {
	call, ok := a.calls[index]
	if !ok {
		a.calls[index] = &accumulatedCall{id: id, name: name, args: []byte(argFragment)}
		a.order = append(a.order, index)
		return true
	}
	if call.id == "" {
		call.id = id
	}
	if call.name == "" {
		call.name = name
	}
	call.args = append(call.args, argFragment...)
	return false
}

// start returns the tool_call_start view for an index.
func (a *toolCallAccumulator) start(index int) ToolCall {
	call := a.calls[index]
	return ToolCall{ID: call.id, Name: call.name}
}

// flush emits one tool_call_done per accumulated index in first-seen
// order. Called only on natural stream end; an aborted stream discards
// the accumulator without flushing.
func (a *toolCallAccumulator) flush(callback StreamCallback) error {
	for _, index := range a.order {
		call := a.calls[index]
		chunk := StreamChunk{
			Type:  StreamChunkToolCallDone,
			Index: index,
			ToolCall: &ToolCall{
				ID:        call.id,
				Name:      call.name,
				Arguments: string(call.args),
			},
		}
		if err := callback(chunk); err != nil {
			return err
		}
	}
	return nil
}

// size returns the number of distinct indices observed.
func (a *toolCallAccumulator) size() int {
	return len(a.calls)
}
