package orchestrator

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// CodexStatus is the latest usage/rate-limit telemetry the vendor has
// reported for one account, as surfaced either by response headers or by
// an SSE token_count event.
type CodexStatus struct {
	RateLimits map[string]interface{}
	Headers    map[string]string
	UpdatedAt  int64
}

type statusSnapshot struct {
	rateLimits map[string]interface{}
	headers    map[string]string
	updatedAt  int64
}

func (s *statusSnapshot) snapshot() CodexStatus {
	return CodexStatus{RateLimits: s.rateLimits, Headers: s.headers, UpdatedAt: s.updatedAt}
}

func (o *Orchestrator) updateStatus(key string, fn func(*statusSnapshot)) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	s, ok := o.status[key]
	if !ok {
		s = &statusSnapshot{}
		o.status[key] = s
	}
	fn(s)
	s.updatedAt = nowMsFunc()
}

// applyResponseHeaders records any x-codex-* response headers into the
// account's status snapshot. Called on every response, streaming or not.
func (o *Orchestrator) applyResponseHeaders(key string, h http.Header) {
	found := map[string]string{}
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(k), "x-codex-") {
			found[k] = v[0]
		}
	}
	if len(found) == 0 {
		return
	}
	o.updateStatus(key, func(s *statusSnapshot) {
		if s.headers == nil {
			s.headers = map[string]string{}
		}
		for k, v := range found {
			s.headers[k] = v
		}
	})
}

// interceptStream wraps body so every "data:" SSE line is scanned for a
// token_count event carrying rate_limits, without altering the bytes the
// caller reads: the scan runs over a tee'd copy in a background goroutine,
// never the bytes actually relayed downstream. The tee writes into an
// unbuffered pipe, so each Read returns only once the scanning goroutine
// has taken that chunk; a slow scan therefore slows the relayed stream.
func (o *Orchestrator) interceptStream(accountKey string, body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	tee := io.TeeReader(body, pw)

	go func() {
		defer pw.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			o.scanSSELine(accountKey, scanner.Text())
		}
		// Keep consuming after the scanner stops (e.g. an over-long line)
		// so the tee's pipe writes never fail the caller's Read.
		_, _ = io.Copy(io.Discard, pr)
	}()

	return teeReadCloser{Reader: tee, pr: pr, closer: body}
}

func (o *Orchestrator) scanSSELine(accountKey, line string) {
	if !strings.HasPrefix(line, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		return
	}

	var evt struct {
		Type       string                 `json:"type"`
		RateLimits map[string]interface{} `json:"rate_limits"`
	}
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return
	}
	if evt.Type != "token_count" || evt.RateLimits == nil {
		return
	}
	o.updateStatus(accountKey, func(s *statusSnapshot) {
		s.rateLimits = evt.RateLimits
	})
}

// teeReadCloser relays Read calls to the tee'd reader but closes both the
// pipe reader (unblocking the scanning goroutine if the caller stops
// reading early) and the original response body.
type teeReadCloser struct {
	io.Reader
	pr     *io.PipeReader
	closer io.Closer
}

func (t teeReadCloser) Close() error {
	_ = t.pr.Close()
	return t.closer.Close()
}
