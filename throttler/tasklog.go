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

// taskLogEntry records a single admitted charge. It stores only the
// owning limit's id, never a RateLimit back-reference: the throttler
// resolves the id through its own map whenever it needs the limit's
// window or cap, which avoids the entry/limit ownership cycle the
// original client's design notes flag as a wart.
type taskLogEntry struct {
	Timestamp   time.Time
	RateLimitID string
	Weight      uint64
}

// prune drops every entry whose age exceeds the TimeInterval of the
// limit it references, using windows as the id-to-limit lookup. Entries
// that reference an id no longer present in windows (which cannot
// happen in practice, since limits are immutable after New) are dropped
// as well rather than retained indefinitely.
func prune(log []taskLogEntry, windows map[string]time.Duration, now time.Time) []taskLogEntry {
	kept := log[:0]
	for _, entry := range log {
		window, ok := windows[entry.RateLimitID]
		if !ok {
			continue
		}
		if now.Sub(entry.Timestamp) <= window {
			kept = append(kept, entry)
		}
	}
	return kept
}

// sumWeight returns the total weight of in-window entries charged
// against limitID. Callers must prune first so the sum reflects only
// entries within the limit's current window.
func sumWeight(log []taskLogEntry, limitID string) uint64 {
	var total uint64
	for _, entry := range log {
		if entry.RateLimitID == limitID {
			total += entry.Weight
		}
	}
	return total
}
