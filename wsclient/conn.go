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

package wsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.apithrottle.dev/throttle/internal/otelutils"
	"go.apithrottle.dev/throttle/log"
	"go.apithrottle.dev/throttle/throttler"
)

// Conn wraps a *websocket.Conn, gating every Send through a configured
// throttler.Throttler before writing to the socket.
type Conn struct {
	ws     *websocket.Conn
	logger *log.Logger
	tracer trace.Tracer

	throttler   *throttler.Throttler
	limitIDFunc LimitIDFunc

	messagesTotal *prometheus.CounterVec
}

func newConn(ws *websocket.Conn, opts *Options) *Conn {
	c := &Conn{
		ws:          ws,
		logger:      opts.logger,
		tracer:      otelutils.WrapTracerProvider(opts.tracerProvider).Tracer(tracerName),
		throttler:   opts.throttler,
		limitIDFunc: opts.limitIDFunc,
	}

	c.messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_client_messages_sent_total",
			Help: "Total number of WebSocket messages sent, by message type.",
		},
		[]string{"type"},
	)
	if err := opts.registerer.Register(c.messagesTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c.messagesTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return c
}

// Send waits for admission from the configured throttler (if any),
// then writes a single message to the connection. ctx governs only the
// admission wait; gorilla/websocket writes are not themselves
// context-aware.
func (c *Conn) Send(ctx context.Context, messageType int, data []byte) error {
	if c.throttler != nil && c.limitIDFunc != nil {
		if limitID := c.limitIDFunc(messageType, data); limitID != "" {
			release, err := c.throttler.Execute(ctx, limitID)
			if err != nil {
				return fmt.Errorf("cannot acquire admission for limit %q: %w", limitID, err)
			}
			defer release()
		}
	}

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)
	if rootSpan.IsRecording() {
		ctx, span = c.tracer.Start(
			ctx,
			"wsclient.Send",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.Int("ws.message_type", messageType)),
		)
		defer span.End()
	}

	start := time.Now()
	err := c.ws.WriteMessage(messageType, data)
	if err != nil {
		c.logger.ErrorCtx(ctx, "cannot write websocket message", log.Error(err), log.Int("message_type", messageType))
		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	c.messagesTotal.WithLabelValues(messageTypeLabel(messageType)).Inc()
	c.logger.DebugCtx(ctx, "sent websocket message",
		log.Int("message_type", messageType),
		log.Duration("duration", time.Since(start)),
	)

	return nil
}

// Receive reads a single message from the connection. It is not gated
// by the throttler: admission control applies to outbound calls only.
func (c *Conn) Receive() (messageType int, data []byte, err error) {
	return c.ws.ReadMessage()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func messageTypeLabel(messageType int) string {
	switch messageType {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.CloseMessage:
		return "close"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	default:
		return "unknown"
	}
}
