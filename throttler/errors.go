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

import (
	"errors"
	"fmt"
)

// Sentinel errors a caller can match with errors.Is.
var (
	// ErrConfig is returned by New when a RateLimit descriptor is
	// malformed: a duplicate limit id, a negative field, or a
	// share/margin percentage outside its valid range.
	ErrConfig = errors.New("throttler: invalid configuration")

	// ErrNoSuchLimit is returned by Execute when given a limit id the
	// Throttler doesn't know about. GetRelatedLimits reports an unknown
	// id by returning (nil, nil) instead.
	ErrNoSuchLimit = errors.New("throttler: no such rate limit")

	// ErrImpossibleCharge is returned by Execute when an applicable
	// weight can never be admitted because it exceeds its limit's
	// post-margin cap, regardless of how long the caller waits.
	ErrImpossibleCharge = errors.New("throttler: charge exceeds limit capacity")
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...)
}

func noSuchLimitErrorf(limitID string) error {
	return fmt.Errorf("%w: %q", ErrNoSuchLimit, limitID)
}

func impossibleChargeErrorf(limitID string, weight, ceiling uint64) error {
	return fmt.Errorf("%w: limit %q requires %d but cap is %d", ErrImpossibleCharge, limitID, weight, ceiling)
}
