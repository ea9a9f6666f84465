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

// Package wsclient is a thin gorilla/websocket wrapper offering the
// same throttling gate as httpclient: every outgoing message is sent
// through a Conn whose Send method calls throttler.Execute before
// writing to the underlying socket. Like httpclient, it carries no
// interesting invariants of its own beyond "call Execute, then write".
package wsclient

import (
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"go.apithrottle.dev/throttle/log"
	"go.apithrottle.dev/throttle/throttler"
)

type (
	// LimitIDFunc extracts the throttler limit id that applies to an
	// outgoing message. A nil func means messages are sent unthrottled.
	LimitIDFunc func(messageType int, data []byte) string

	// Option configures a Dialer built by this package.
	Option func(o *Options)

	// Options holds configurable options for the connections this
	// package dials.
	Options struct {
		tlsConfig        *tls.Config
		handshakeTimeout time.Duration
		logger           *log.Logger
		tracerProvider   trace.TracerProvider
		registerer       prometheus.Registerer
		throttler        *throttler.Throttler
		limitIDFunc      LimitIDFunc
	}
)

const tracerName = "go.apithrottle.dev/throttle/wsclient"

// WithTLSConfig sets the TLS configuration used when dialing wss://
// endpoints.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *Options) { o.tlsConfig = c }
}

// WithHandshakeTimeout sets the deadline for the initial WebSocket
// handshake. Defaults to 10s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.handshakeTimeout = d }
}

// WithLogger sets the logger used for connection and send telemetry.
func WithLogger(l *log.Logger) Option {
	return func(o *Options) { o.logger = l.Named("ws.client") }
}

// WithTracerProvider configures OpenTelemetry tracing for Send calls.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) { o.tracerProvider = tp }
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) { o.registerer = r }
}

// WithThrottler makes every Send call t.Execute with the limit id
// limitID returns for the outgoing message before writing it. A message
// for which limitID returns "" is sent unthrottled.
func WithThrottler(t *throttler.Throttler, limitID LimitIDFunc) Option {
	return func(o *Options) {
		o.throttler = t
		o.limitIDFunc = limitID
	}
}

func configureOptions(options []Option) *Options {
	opts := &Options{
		handshakeTimeout: 10 * time.Second,
		logger:           log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider:   otel.GetTracerProvider(),
		registerer:       prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(opts)
	}

	return opts
}

// Dial opens a throttled WebSocket connection to urlStr, sending
// requestHeader with the handshake request. The dialer uses the
// configured TLS settings and handshake timeout and no proxy.
func Dial(urlStr string, requestHeader http.Header, options ...Option) (*Conn, *http.Response, error) {
	opts := configureOptions(options)

	dialer := &websocket.Dialer{
		TLSClientConfig:  opts.tlsConfig,
		HandshakeTimeout: opts.handshakeTimeout,
	}

	ws, resp, err := dialer.Dial(urlStr, requestHeader)
	if err != nil {
		return nil, resp, err
	}

	return newConn(ws, opts), resp, nil
}
