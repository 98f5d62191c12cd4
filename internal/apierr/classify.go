// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package apierr maps raw provider error text and HTTP status codes onto a
// fixed taxonomy of canonical error kinds. Every adapter funnels its failures
// through Classify so the rest of the system never inspects provider-specific
// error strings.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is a canonical provider error category.
type Kind string

const (
	// RateLimited covers quota exhaustion and request throttling.
	RateLimited Kind = "RATE_LIMITED"

	// TermsRequired means the account must accept provider terms first.
	TermsRequired Kind = "TERMS_REQUIRED"

	// AuthRestricted means the key is valid but not allowed to use the model.
	AuthRestricted Kind = "AUTH_RESTRICTED"

	// Unsupported means the model does not exist or cannot serve the request.
	Unsupported Kind = "UNSUPPORTED"

	// Billing means a payment or subscription problem.
	Billing Kind = "BILLING"

	// BadRequest means the request itself was malformed.
	BadRequest Kind = "BAD_REQUEST"

	// Generic is the fallback for everything else.
	Generic Kind = "GENERIC"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// rate-limit phrasing differs wildly between backends; all of these have been
// observed on live 429-class failures.
var rateLimitNeedles = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"quota",
	"resource exhausted",
	"resource_exhausted",
	"tokens per minute",
	"requests per minute",
	"too many requests",
	"insufficient_quota",
}

var authRestrictedNeedles = []string{
	"restricted",
	"organization",
	"access denied",
	"access_denied",
	"not authorized",
	"not_authorized",
	"permission",
}

var unsupportedNeedles = []string{
	"does not support",
	"not support",
	"invalid model",
	"invalid_model",
	"unsupported",
	"not found",
	"not_found",
	"not compatible",
	"decommissioned",
}

var billingNeedles = []string{
	"billing",
	"payment",
	"upgrade",
	"subscription",
}

// Classify maps a raw error message and optional HTTP status code to a Kind.
// It is pure and total: any input yields a kind, never a panic. Matching is
// case-insensitive and ordered by priority, so a message satisfying several
// categories is classified by the first matching one.
func Classify(message string, statusCode int) Kind {
	msg := strings.ToLower(message)

	if statusCode == http.StatusTooManyRequests || containsAny(msg, rateLimitNeedles) {
		return RateLimited
	}
	if strings.Contains(msg, "terms") && strings.Contains(msg, "acceptance") {
		return TermsRequired
	}
	if containsAny(msg, authRestrictedNeedles) {
		return AuthRestricted
	}
	if containsAny(msg, unsupportedNeedles) {
		return Unsupported
	}
	if containsAny(msg, billingNeedles) {
		return Billing
	}
	if statusCode == http.StatusBadRequest || strings.Contains(msg, "invalid") {
		return BadRequest
	}
	return Generic
}

// ClassifyErr classifies a Go error value. A nil error yields Generic; callers
// are expected to check for nil first.
func ClassifyErr(err error, statusCode int) Kind {
	if err == nil {
		return Generic
	}
	return Classify(err.Error(), statusCode)
}

// UserMessage renders a kind as a short human-readable notice for the given
// model. These strings feed the parallel human-message map next to the
// unavailable-models map.
func UserMessage(kind Kind, modelID string) string {
	switch kind {
	case RateLimited:
		return fmt.Sprintf("%s is rate limited right now. Try again later or switch models.", modelID)
	case TermsRequired:
		return fmt.Sprintf("%s requires accepting the provider's terms before use.", modelID)
	case AuthRestricted:
		return fmt.Sprintf("Your key is not authorized to use %s.", modelID)
	case Unsupported:
		return fmt.Sprintf("%s is not available or does not support this request.", modelID)
	case Billing:
		return fmt.Sprintf("%s requires an active billing setup on your account.", modelID)
	case BadRequest:
		return fmt.Sprintf("The request to %s was rejected as invalid.", modelID)
	default:
		return fmt.Sprintf("%s failed with an unexpected error.", modelID)
	}
}

// IsAbort reports whether err represents a cooperative cancellation.
// Cancellations are silent: no notice, no rollback beyond stopping the stream.
func IsAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "aborted") || strings.Contains(msg, "abort")
}

// containsAny reports whether s contains any of the needles.
// s must already be lower-cased.
func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
