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
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/graphpilot/services/agent"
	"github.com/AleutianAI/graphpilot/services/agent/thread"
	"github.com/AleutianAI/graphpilot/services/agent/tools"
	"github.com/AleutianAI/graphpilot/services/gateway/auth"
	"github.com/AleutianAI/graphpilot/services/graph"
	"github.com/AleutianAI/graphpilot/services/llm"
)

// Error codes sent to clients in ai:error events.
const (
	CodeRateLimited         = "rate_limited"
	CodeProviderUnavailable = "provider_unavailable"
	CodeAuthFailed          = "auth_failed"
	CodeBadRequest          = "bad_request"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeCanceled            = "canceled"
	CodeInternal            = "internal"
)

// ClientError is the sanitized error surface sent to websocket clients.
//
// The raw error is logged server side with full provider detail; clients
// only ever see a stable code, a retry hint, and a message safe to show
// in the editor UI.
type ClientError struct {
	// Code is a stable machine-readable error category.
	Code string `json:"code"`

	// Retryable hints whether the same request may succeed if repeated.
	Retryable bool `json:"retryable"`

	// Message is safe to display to end users. It never contains
	// provider payloads, stack traces, or internal identifiers.
	Message string `json:"message"`
}

// ClassifyError maps an internal error to its client-facing form.
//
// # Description
//
// Provider errors are classified by HTTP status: 429 is retryable rate
// limiting, 5xx and transport failures are retryable provider outages,
// and 4xx is a non-retryable request problem. Agent and thread errors
// map to their own stable codes so the editor can branch on them.
// Anything unrecognized collapses to a generic internal error.
func ClassifyError(err error) ClientError {
	if err == nil {
		return ClientError{Code: CodeInternal, Retryable: false, Message: "internal error"}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClientError{
			Code:      CodeCanceled,
			Retryable: true,
			Message:   "request canceled",
		}
	}

	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		switch {
		case provErr.StatusCode == http.StatusTooManyRequests:
			return ClientError{
				Code:      CodeRateLimited,
				Retryable: true,
				Message:   "the model provider is rate limiting requests, try again shortly",
			}
		case provErr.StatusCode >= 500 || provErr.StatusCode == 0:
			return ClientError{
				Code:      CodeProviderUnavailable,
				Retryable: true,
				Message:   "the model provider is temporarily unavailable",
			}
		case provErr.StatusCode == http.StatusUnauthorized || provErr.StatusCode == http.StatusForbidden:
			return ClientError{
				Code:      CodeAuthFailed,
				Retryable: false,
				Message:   "the gateway is not authorized with the model provider",
			}
		default:
			return ClientError{
				Code:      CodeBadRequest,
				Retryable: false,
				Message:   "the model provider rejected the request",
			}
		}
	}

	if errors.Is(err, auth.ErrUnauthorized) {
		return ClientError{
			Code:      CodeAuthFailed,
			Retryable: false,
			Message:   "authentication failed",
		}
	}

	if errors.Is(err, thread.ErrThreadNotFound) {
		return ClientError{
			Code:      CodeNotFound,
			Retryable: false,
			Message:   "conversation thread not found",
		}
	}
	if errors.Is(err, thread.ErrThreadMismatch) {
		return ClientError{
			Code:      CodeBadRequest,
			Retryable: false,
			Message:   "thread does not belong to this graph or workspace",
		}
	}

	if errors.Is(err, graph.ErrGraphNotFound) || errors.Is(err, graph.ErrNodeNotFound) {
		return ClientError{
			Code:      CodeNotFound,
			Retryable: false,
			Message:   "requested graph resource not found",
		}
	}

	if errors.Is(err, agent.ErrInterruptPending) {
		return ClientError{
			Code:      CodeConflict,
			Retryable: false,
			Message:   "a proposed action is awaiting approval; resolve it before sending new messages",
		}
	}
	if errors.Is(err, agent.ErrNoPendingInterrupt) {
		return ClientError{
			Code:      CodeConflict,
			Retryable: false,
			Message:   "there is no proposed action to approve or reject",
		}
	}
	if errors.Is(err, agent.ErrTooManyToolRounds) {
		return ClientError{
			Code:      CodeInternal,
			Retryable: true,
			Message:   "the assistant exceeded its tool budget for this turn",
		}
	}

	if errors.Is(err, tools.ErrUnknownTool) {
		return ClientError{
			Code:      CodeInternal,
			Retryable: false,
			Message:   "the assistant requested an unknown tool",
		}
	}

	var argErr *tools.ArgumentError
	if errors.As(err, &argErr) {
		return ClientError{
			Code:      CodeBadRequest,
			Retryable: false,
			Message:   "invalid tool arguments",
		}
	}

	var valErrs validator.ValidationErrors
	if errors.As(err, &valErrs) {
		return ClientError{
			Code:      CodeBadRequest,
			Retryable: false,
			Message:   "malformed request payload",
		}
	}

	return ClientError{
		Code:      CodeInternal,
		Retryable: false,
		Message:   "internal error",
	}
}
