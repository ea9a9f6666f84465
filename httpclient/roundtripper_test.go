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
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.apithrottle.dev/throttle/log"
	"go.apithrottle.dev/throttle/throttler"
)

type MockRoundTripper struct {
	mock.Mock
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	return args.Get(0).(*http.Response), args.Error(1)
}

// NoopRegisterer implements prometheus.Registerer but does nothing.
type NoopRegisterer struct{}

func (NoopRegisterer) Register(prometheus.Collector) error  { return nil }
func (NoopRegisterer) MustRegister(...prometheus.Collector) {}
func (NoopRegisterer) Unregister(prometheus.Collector) bool { return false }

func newTestRoundTripper(next http.RoundTripper, options ...Option) *telemetryRoundTripper {
	options = append([]Option{
		WithLogger(log.NewLogger(log.WithOutput(io.Discard))),
		WithRegisterer(NoopRegisterer{}),
	}, options...)

	return newTelemetryRoundTripper(next, configureOptions(options))
}

func TestRoundTrip(t *testing.T) {
	mockRT := new(MockRoundTripper)
	tr := newTestRoundTripper(mockRT)

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)
	defer server.Close()

	reqURL, _ := url.Parse(server.URL)
	req := &http.Request{
		URL:    reqURL,
		Method: "GET",
		Header: http.Header{"User-Agent": []string{"test-agent"}},
	}

	expectedResponse := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString("OK")),
	}

	mockRT.On("RoundTrip", mock.AnythingOfType("*http.Request")).Return(expectedResponse, nil)

	response, err := tr.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	mockRT.AssertExpectations(t)
}

func TestRoundTrip_ThrottledRequestWaitsForAdmission(t *testing.T) {
	th, err := throttler.New([]throttler.RateLimit{
		{LimitID: "api", Limit: 1, TimeInterval: 200 * time.Millisecond, Weight: 1},
	}, throttler.WithSafetyMarginPct(0))
	require.NoError(t, err)

	mockRT := new(MockRoundTripper)
	tr := newTestRoundTripper(mockRT, WithThrottler(th, func(r *http.Request) string {
		return "api"
	}))

	reqURL, _ := url.Parse("http://example.test/orders")
	req := &http.Request{URL: reqURL, Method: "GET", Header: http.Header{}}

	expectedResponse := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewBufferString("OK"))}
	mockRT.On("RoundTrip", mock.AnythingOfType("*http.Request")).Return(expectedResponse, nil).Twice()

	_, err = tr.RoundTrip(req)
	require.NoError(t, err)

	start := time.Now()
	_, err = tr.RoundTrip(req)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	mockRT.AssertExpectations(t)
}

func TestRoundTrip_UnthrottledWhenLimitIDEmpty(t *testing.T) {
	th, err := throttler.New([]throttler.RateLimit{
		{LimitID: "api", Limit: 0, TimeInterval: time.Second},
	})
	require.NoError(t, err)

	mockRT := new(MockRoundTripper)
	tr := newTestRoundTripper(mockRT, WithThrottler(th, func(r *http.Request) string {
		return ""
	}))

	reqURL, _ := url.Parse("http://example.test/health")
	req := &http.Request{URL: reqURL, Method: "GET", Header: http.Header{}}

	expectedResponse := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewBufferString("OK"))}
	mockRT.On("RoundTrip", mock.AnythingOfType("*http.Request")).Return(expectedResponse, nil)

	_, err = tr.RoundTrip(req)
	require.NoError(t, err)
	mockRT.AssertExpectations(t)
}
