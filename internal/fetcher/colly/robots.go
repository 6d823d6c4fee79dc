package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

var defaultRobotsBackoff = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

const allowAllRobots = "User-agent: *\nAllow: /"

// robotsTransport makes robots.txt lookups tolerant of flaky portals.
// Timeouts and 5xx answers are retried; once retries run out the lookup
// is answered with an allow-all file. colly would otherwise read a 5xx
// robots.txt as disallow-all and every job for that site would fail as a
// permanent robots block.
type robotsTransport struct {
	base       http.RoundTripper
	backoff    []time.Duration
	onFallback func(host string)
}

func newRobotsTransport(base http.RoundTripper, onFallback func(string)) *robotsTransport {
	return &robotsTransport{base: base, backoff: defaultRobotsBackoff, onFallback: onFallback}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req)
	}

	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && resp.StatusCode < 500:
			return resp, nil
		case err == nil:
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		case !isTransient(err):
			return nil, err
		}

		if attempt >= len(t.backoff) {
			if t.onFallback != nil {
				t.onFallback(req.URL.Hostname())
			}
			return allowAllResponse(req), nil
		}
		if err := wait(req.Context(), t.backoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

// isTransient reports timeouts, including TLS handshakes that stall.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
