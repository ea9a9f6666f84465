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

// Command throttlectl loads a rate-limit manifest and runs a throttler
// against it, serving Prometheus metrics and exporting traces over
// OTLP/HTTP so its admission behavior can be observed: metrics server,
// tracing exporter, signal-driven shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.apithrottle.dev/throttle/internal/app"
	"go.apithrottle.dev/throttle/log"
)

func main() {
	cfgFile := flag.String("cfg-file", "", "path to the rate-limit manifest")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	tracingAddr := flag.String("tracing-addr", "", "OTLP/HTTP collector address (empty disables tracing)")
	printOnly := flag.Bool("print-cfg", false, "print the loaded rate limits and exit")
	flag.Parse()

	if *cfgFile == "" {
		fmt.Fprintln(os.Stderr, "throttlectl: -cfg-file is required")
		os.Exit(2)
	}

	logger := log.NewLogger(log.WithName("throttlectl"), log.WithFormat(log.FormatPretty))

	a, err := app.New(app.Config{
		ManifestPath: *cfgFile,
		MetricsAddr:  *metricsAddr,
		TracingAddr:  *tracingAddr,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("cannot initialize throttlectl", log.Error(err))
		os.Exit(1)
	}

	if *printOnly {
		for limitID, limit := range a.EffectiveLimits() {
			fmt.Printf("%s: %d\n", limitID, limit)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("throttlectl exited with error", log.Error(err))
		os.Exit(1)
	}
}
