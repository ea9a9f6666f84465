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

// Package config loads a set of throttler.RateLimit descriptors from a
// YAML manifest: read the file, convert YAML to JSON with
// sigs.k8s.io/yaml, then decode.
//
// A manifest looks like:
//
//	rate_limits:
//	  - limit_id: orders
//	    limit: 10
//	    time_interval: 1s
//	    weight: 1
//	    linked_limits:
//	      - limit_id: global
//	        weight: 2
//	  - limit_id: global
//	    limit: 100
//	    time_interval: 1m
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"go.apithrottle.dev/throttle/throttler"
)

type manifest struct {
	RateLimits []rateLimit `json:"rate_limits"`
}

type linkedLimit struct {
	LimitID string `json:"limit_id"`
	Weight  uint64 `json:"weight"`
}

type rateLimit struct {
	LimitID      string        `json:"limit_id"`
	Limit        uint64        `json:"limit"`
	TimeInterval string        `json:"time_interval"`
	Weight       uint64        `json:"weight"`
	LinkedLimits []linkedLimit `json:"linked_limits"`
}

// Load reads a YAML rate-limit manifest from path and converts it to a
// slice of throttler.RateLimit, in manifest order.
func Load(path string) ([]throttler.RateLimit, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open file: %w", err)
	}
	defer file.Close()

	blob, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}

	blob, err = yaml.YAMLToJSON(blob)
	if err != nil {
		return nil, fmt.Errorf("cannot convert yaml to json: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("cannot decode manifest: %w", err)
	}

	rateLimits := make([]throttler.RateLimit, len(m.RateLimits))
	for i, rl := range m.RateLimits {
		interval, err := time.ParseDuration(rl.TimeInterval)
		if err != nil {
			return nil, fmt.Errorf("rate limit %q: cannot parse time_interval %q: %w", rl.LimitID, rl.TimeInterval, err)
		}

		linked := make([]throttler.LinkedLimitWeight, len(rl.LinkedLimits))
		for j, l := range rl.LinkedLimits {
			linked[j] = throttler.LinkedLimitWeight{LimitID: l.LimitID, Weight: l.Weight}
		}

		rateLimits[i] = throttler.RateLimit{
			LimitID:      rl.LimitID,
			Limit:        rl.Limit,
			TimeInterval: interval,
			Weight:       rl.Weight,
			LinkedLimits: linked,
		}
	}

	return rateLimits, nil
}

// New loads a rate-limit manifest from path and builds a Throttler from
// it in one call.
func New(path string, opts ...throttler.Option) (*throttler.Throttler, error) {
	rateLimits, err := Load(path)
	if err != nil {
		return nil, err
	}

	t, err := throttler.New(rateLimits, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot build throttler: %w", err)
	}

	return t, nil
}
