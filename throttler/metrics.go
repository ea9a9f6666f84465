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
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/x/panicf"
)

type metrics struct {
	admissionsTotal       *prometheus.CounterVec
	admissionWaitSeconds  *prometheus.HistogramVec
	impossibleChargeTotal *prometheus.CounterVec
}

func (t *Throttler) registerMetrics(r prometheus.Registerer) {
	t.metrics.admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttle_admissions_total",
			Help: "Total number of admissions granted by the throttler.",
		},
		[]string{"limit_id"},
	)
	if err := r.Register(t.metrics.admissionsTotal); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panicf.Panic("cannot register throttle_admissions_total: %w", err)
		}
		t.metrics.admissionsTotal = are.ExistingCollector.(*prometheus.CounterVec)
	}

	t.metrics.admissionWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "throttle_admission_wait_seconds",
			Help:    "Time spent waiting for admission.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"limit_id"},
	)
	if err := r.Register(t.metrics.admissionWaitSeconds); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panicf.Panic("cannot register throttle_admission_wait_seconds: %w", err)
		}
		t.metrics.admissionWaitSeconds = are.ExistingCollector.(*prometheus.HistogramVec)
	}

	t.metrics.impossibleChargeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttle_impossible_charge_total",
			Help: "Total number of ImpossibleCharge rejections.",
		},
		[]string{"limit_id"},
	)
	if err := r.Register(t.metrics.impossibleChargeTotal); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panicf.Panic("cannot register throttle_impossible_charge_total: %w", err)
		}
		t.metrics.impossibleChargeTotal = are.ExistingCollector.(*prometheus.CounterVec)
	}
}
