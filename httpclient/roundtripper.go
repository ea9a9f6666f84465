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

package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.apithrottle.dev/throttle/internal/otelutils"
	"go.apithrottle.dev/throttle/log"
	"go.apithrottle.dev/throttle/throttler"
)

// telemetryRoundTripper is an http.RoundTripper that wraps another
// http.RoundTripper to add throttling, logging, metrics and tracing. It
// gates each request through a throttler.Throttler (when configured)
// before dispatching it, logs the outcome, measures latency, and counts
// requests by status code.
type telemetryRoundTripper struct {
	logger *log.Logger
	tracer trace.Tracer
	next   http.RoundTripper

	throttler   *throttler.Throttler
	limitIDFunc LimitIDFunc

	requestsTotal *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

var _ http.RoundTripper = (*telemetryRoundTripper)(nil)

func newTelemetryRoundTripper(next http.RoundTripper, opts *Options) *telemetryRoundTripper {
	rt := &telemetryRoundTripper{
		logger:      opts.logger,
		tracer:      otelutils.WrapTracerProvider(opts.tracerProvider).Tracer(tracerName),
		next:        next,
		throttler:   opts.throttler,
		limitIDFunc: opts.limitIDFunc,
	}

	rt.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_client_requests_total",
			Help: "Total number of HTTP requests by status code.",
		},
		[]string{"method", "host", "status_code"},
	)
	if err := opts.registerer.Register(rt.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			rt.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	rt.latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_client_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "host"},
	)
	if err := opts.registerer.Register(rt.latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			rt.latency = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return rt
}

// RoundTrip executes a single HTTP transaction, after waiting for
// admission from the configured throttler (if any). It logs the
// request details, measures request latency, and counts the request by
// status code. It sanitizes URLs to exclude query parameters and
// fragments for logging and tracing.
func (rt *telemetryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	newReq := req.Clone(ctx)

	if rt.throttler != nil && rt.limitIDFunc != nil {
		if limitID := rt.limitIDFunc(newReq); limitID != "" {
			release, err := rt.throttler.Execute(ctx, limitID)
			if err != nil {
				return nil, fmt.Errorf("cannot acquire admission for limit %q: %w", limitID, err)
			}
			defer release()
		}
	}

	start := time.Now()

	reqURL := sanitizeURL(newReq.URL)
	span := trace.SpanFromContext(ctx)
	spanCtx := span.SpanContext()

	requestID := newReq.Header.Get("x-request-id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	logger := rt.logger.With(
		log.String("http_request_method", newReq.Method),
		log.String("http_request_host", reqURL.Host),
		log.String("http_request_path", reqURL.Path),
		log.String("http_request_scheme", reqURL.Scheme),
		log.String("http_request_id", requestID),
	)

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("http.method", newReq.Method),
			attribute.String("http.url", reqURL.String()),
			attribute.String("http.target", reqURL.Path),
			attribute.String("http.host", newReq.Host),
			attribute.String("http.scheme", reqURL.Scheme),
			attribute.String("http.request_id", requestID),
		)

		newReq.Header.Set(
			"traceparent",
			fmt.Sprintf("00-%s-%s-%s", spanCtx.TraceID().String(), spanCtx.SpanID().String(), spanCtx.TraceFlags().String()),
		)
		newReq.Header.Set("tracestate", spanCtx.TraceState().String())
	}

	resp, err := rt.next.RoundTrip(newReq)
	if err != nil {
		logger.ErrorCtx(ctx, "cannot execute http transaction", log.Error(err))

		if span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return resp, err
	}

	duration := time.Since(start)

	rt.requestsTotal.WithLabelValues(newReq.Method, reqURL.Host, fmt.Sprint(resp.StatusCode)).Inc()
	rt.latency.WithLabelValues(newReq.Method, reqURL.Host).Observe(duration.Seconds())

	if span.IsRecording() {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}

	msg := fmt.Sprintf("%s %s %d %s", newReq.Method, reqURL.String(), resp.StatusCode, duration)
	if resp.StatusCode >= http.StatusInternalServerError {
		logger.ErrorCtx(ctx, msg, log.Int("http_response_status_code", resp.StatusCode))
	} else {
		logger.InfoCtx(ctx, msg, log.Int("http_response_status_code", resp.StatusCode))
	}

	return resp, nil
}

func sanitizeURL(u *url.URL) *url.URL {
	u2 := *u
	u2.RawQuery = ""
	u2.Fragment = ""
	u2.User = nil

	return &u2
}
