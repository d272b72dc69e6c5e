// Package failure classifies pipeline stage errors into a fixed taxonomy that
// drives user messaging and retry decisions. Classification is a pure
// function of the error message, its type and the stage that raised it.
package failure

import (
	"slices"
	"time"
)

type (
	// Type identifies a taxonomy entry.
	Type string

	// Classified is the outcome of classifying a stage error. It is the
	// value persisted on a failed session.
	Classified struct {
		// Type is the taxonomy entry.
		Type Type `json:"type"`
		// Stage is the pipeline stage that raised the error.
		Stage string `json:"stage"`
		// Message is the original error message.
		Message string `json:"message"`
		// Retryable reports whether retrying the stage may succeed.
		Retryable bool `json:"retryable"`
		// RateLimited is set for provider errors caused by throttling.
		RateLimited bool `json:"rateLimited,omitempty"`
		// UserMessage is the fixed user-facing text for Type.
		UserMessage string `json:"userMessage"`
		// RecoveryActions lists the fixed recovery suggestions for Type.
		RecoveryActions []string `json:"recoveryActions"`
	}

	// template holds the static presentation of a Type.
	template struct {
		userMessage     string
		recoveryActions []string
	}
)

const (
	// TypeValidation covers malformed or rejected input.
	TypeValidation Type = "validation"
	// TypeNetwork covers connectivity failures.
	TypeNetwork Type = "network"
	// TypeAIProvider covers model provider, auth and quota failures.
	TypeAIProvider Type = "ai_provider"
	// TypeTimeout covers operations that exceeded their deadline.
	TypeTimeout Type = "timeout"
	// TypeSystem is the fallback for unrecognized failures.
	TypeSystem Type = "system"
	// TypeRateLimit covers throttling reported outside the provider path.
	// Classify never produces it; callers build it with New.
	TypeRateLimit Type = "rate_limit"
)

// StageValidation is the pseudo-stage used for input validation failures.
const StageValidation = "validation"

var templates = map[Type]template{
	TypeValidation: {
		userMessage: "Some of the trip details could not be processed. Please review your input and try again.",
		recoveryActions: []string{
			"Check that all required fields are filled in",
			"Verify dates and destinations are valid",
			"Submit the form again",
		},
	},
	TypeNetwork: {
		userMessage: "We are having trouble connecting to our services. Your request will be retried automatically.",
		recoveryActions: []string{
			"Check your internet connection",
			"Wait a moment and try again",
		},
	},
	TypeAIProvider: {
		userMessage: "Our planning assistant is temporarily unavailable. Please try again shortly.",
		recoveryActions: []string{
			"Wait a few minutes and try again",
			"Contact support if the problem persists",
		},
	},
	TypeTimeout: {
		userMessage: "Generating your itinerary is taking longer than expected. Please try again.",
		recoveryActions: []string{
			"Try again with a simpler request",
			"Reduce the number of destinations or days",
		},
	},
	TypeSystem: {
		userMessage: "Something went wrong while generating your itinerary. Please try again.",
		recoveryActions: []string{
			"Try again",
			"Contact support if the problem persists",
		},
	},
	TypeRateLimit: {
		userMessage: "Too many requests are being processed right now. Please wait a moment before trying again.",
		recoveryActions: []string{
			"Wait a minute before submitting again",
		},
	},
}

// New builds a classification of type t with the table's fixed user message
// and recovery actions. Unknown types are treated as TypeSystem.
func New(t Type, stage, message string) Classified {
	tpl, ok := templates[t]
	if !ok {
		t, tpl = TypeSystem, templates[TypeSystem]
	}
	return Classified{
		Type:            t,
		Stage:           stage,
		Message:         message,
		Retryable:       t != TypeValidation,
		UserMessage:     tpl.userMessage,
		RecoveryActions: slices.Clone(tpl.recoveryActions),
	}
}

// ShouldRetry reports whether the dispatch engine should retry the stage.
// Network, timeout and rate limit failures are retried, as are provider
// failures caused by throttling. Validation and system failures never are.
func ShouldRetry(c Classified) bool {
	if !c.Retryable {
		return false
	}
	switch c.Type {
	case TypeNetwork, TypeTimeout, TypeRateLimit:
		return true
	case TypeAIProvider:
		return c.RateLimited
	default:
		return false
	}
}

const (
	baseDelay      = time.Second
	rateLimitDelay = 5 * time.Second
	maxDelay       = 30 * time.Second
)

// RetryDelay returns the backoff the dispatch engine should wait before retry
// attempt n (1-indexed). It doubles per attempt from 1s (5s for throttling)
// and is capped at 30s. It returns zero when ShouldRetry is false.
func RetryDelay(c Classified, attempt int) time.Duration {
	if !ShouldRetry(c) {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := baseDelay
	if c.Type == TypeRateLimit || c.RateLimited {
		d = rateLimitDelay
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Equal reports whether c and o describe the same failure. Presentation
// fields derived from the type are not compared.
func (c Classified) Equal(o Classified) bool {
	return c.Type == o.Type &&
		c.Stage == o.Stage &&
		c.Message == o.Message &&
		c.Retryable == o.Retryable &&
		c.RateLimited == o.RateLimited
}
