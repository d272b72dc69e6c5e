package failure

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

var (
	networkIndicators = []string{
		"econnrefused",
		"econnreset",
		"enotfound",
		"etimedout",
		"connection refused",
		"connection reset",
		"connection closed",
		"connection timed out",
		"broken pipe",
		"socket hang up",
		"network",
		"unreachable",
		"no such host",
		"dns",
		"fetch failed",
	}
	providerIndicators = []string{
		"openai",
		"anthropic",
		"api key",
		"api_key",
		"unauthorized",
		"authentication",
		"forbidden",
		"quota",
		"billing",
		"model not found",
		"model_not_found",
		"model overloaded",
		"overloaded_error",
		"rate limit",
		"rate_limit",
		"ratelimit",
		"too many requests",
	}
	rateLimitIndicators = []string{
		"rate limit",
		"rate_limit",
		"ratelimit",
		"too many requests",
	}

	// HTTP status codes only count as whole numbers.
	providerStatus  = regexp.MustCompile(`\b(401|403|429)\b`)
	rateLimitStatus = regexp.MustCompile(`\b429\b`)
	validationIndicators = []string{
		"validation",
		"invalid",
		"required",
		"must be",
		"malformed",
		"schema",
	}
	timeoutIndicators = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"took too long",
	}
)

// Classify maps err raised by stage into a taxonomy entry. Rules are
// evaluated in order and the first match wins:
//
//  1. network indicators → network, retryable
//  2. provider, auth or quota indicators → ai_provider, retryable only when
//     rate limited
//  3. validation indicators or the validation stage → validation
//  4. timeout indicators → timeout, retryable
//  5. anything else → system, retryable
//
// A nil err classifies as a system error.
func Classify(err error, stage string) Classified {
	if err == nil {
		return New(TypeSystem, stage, "unknown error")
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case isNetwork(err, lower):
		return New(TypeNetwork, stage, msg)
	case containsAny(lower, providerIndicators) || providerStatus.MatchString(lower):
		c := New(TypeAIProvider, stage, msg)
		c.RateLimited = containsAny(lower, rateLimitIndicators) || rateLimitStatus.MatchString(lower)
		c.Retryable = c.RateLimited
		return c
	case stage == StageValidation || containsAny(lower, validationIndicators):
		return New(TypeValidation, stage, msg)
	case isTimeout(err, lower):
		return New(TypeTimeout, stage, msg)
	default:
		return New(TypeSystem, stage, msg)
	}
}

func isNetwork(err error, lower string) bool {
	// context.DeadlineExceeded satisfies net.Error.
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return containsAny(lower, networkIndicators)
}

func isTimeout(err error, lower string) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return containsAny(lower, timeoutIndicators)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
