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

// Package throttler implements a client-side admission control scheme
// for outbound calls to a remote service that imposes its own rate
// limits. It sits in front of the httpclient and wsclient packages.
//
// # Overview
//
// Several rate limits can apply to a single call (a "linked" relationship)
// and each call can charge a different weight against each one. The
// throttler resolves the full set of applicable limits for a call, then
// polls a shared task log under a single mutex until every applicable
// limit has headroom for its weight, appends one log entry per limit, and
// releases the caller.
//
// # Algorithm
//
// The task log is a single append-only slice of (timestamp, limit id,
// weight) entries, shared across every rate limit the throttler knows
// about. On each admission attempt the throttler prunes every entry whose
// age exceeds its own limit's window, sums the in-window weight for each
// applicable limit, and compares it against a cap equal to the limit's
// effective maximum minus a configurable safety margin. If every
// applicable limit has room, the caller is admitted and the log grows by
// one entry per limit; otherwise the caller waits a configurable retry
// interval and checks again.
//
// # Usage
//
//	t, err := throttler.New([]throttler.RateLimit{
//	    {LimitID: "orders", Limit: 10, TimeInterval: time.Second, Weight: 1,
//	        LinkedLimits: []throttler.LinkedLimitWeight{{LimitID: "global", Weight: 2}}},
//	    {LimitID: "global", Limit: 100, TimeInterval: time.Minute},
//	})
//	if err != nil {
//	    return err
//	}
//
//	release, err := t.Execute(ctx, "orders")
//	if err != nil {
//	    return err
//	}
//	defer release()
//
//	// issue the throttled call here
package throttler
