// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package throttler

import "time"

// LinkedLimitWeight is an edge from one rate limit to another: charging
// the owning limit also charges Weight units against the limit named
// LimitID. Edges are resolved one level deep only; a linked limit's own
// LinkedLimits are never followed.
type LinkedLimitWeight struct {
	LimitID string
	Weight  uint64
}

// RateLimit describes a single sliding-window limit: at most Limit units
// of weight may be charged against it within any TimeInterval window.
// Weight is the default charge for a call against this limit directly;
// LinkedLimits lists additional limits a call against this one also
// charges, each at its own weight.
//
// RateLimit is immutable once passed to New: the Throttler holds its own
// copy with Limit replaced by the limit's effective value (see
// EffectiveLimits).
type RateLimit struct {
	LimitID      string
	Limit        uint64
	TimeInterval time.Duration
	Weight       uint64
	LinkedLimits []LinkedLimitWeight
}

// LimitWeight pairs a resolved RateLimit with the weight a call charges
// against it. GetRelatedLimits returns a slice of these: the primary
// limit first, followed by each resolvable linked limit in declaration
// order.
type LimitWeight struct {
	Limit  RateLimit
	Weight uint64
}

func (r RateLimit) validate() error {
	if r.LimitID == "" {
		return configErrorf("limit id must not be empty")
	}
	if r.TimeInterval <= 0 {
		return configErrorf("limit %q: time interval must be positive", r.LimitID)
	}
	for _, linked := range r.LinkedLimits {
		if linked.LimitID == "" {
			return configErrorf("limit %q: linked limit id must not be empty", r.LimitID)
		}
	}
	return nil
}

// FilterRateLimits returns the subset of rateLimits whose LimitID is not
// present in excludeIDs, preserving order. It is the Go analogue of the
// original Python client's RateLimit.filter_rate_limits_list classmethod,
// used upstream to carve a narrower set of limits (e.g. endpoint-only
// limits) out of a larger combined list before constructing a Throttler.
func FilterRateLimits(rateLimits []RateLimit, excludeIDs []string) []RateLimit {
	if len(excludeIDs) == 0 {
		out := make([]RateLimit, len(rateLimits))
		copy(out, rateLimits)
		return out
	}

	excluded := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}

	out := make([]RateLimit, 0, len(rateLimits))
	for _, rl := range rateLimits {
		if _, skip := excluded[rl.LimitID]; skip {
			continue
		}
		out = append(out, rl)
	}
	return out
}
