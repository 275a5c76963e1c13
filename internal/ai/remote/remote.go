// Package remote holds the HTTP plumbing shared by the generator clients.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of a failed response body ends up in an error.
const maxErrorBody = 512

// StatusError is a non-2xx reply. Its message carries the status code so the
// retry classifier can see 429, 502 and 503.
type StatusError struct {
	Vendor     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: status %d %s", e.Vendor, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// PostJSON sends body as JSON and decodes a 2xx reply into out.
func PostJSON(ctx context.Context, client *http.Client, vendor, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", vendor, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: building request: %w", vendor, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return ClassifyTransportError(vendor, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Vendor: vendor, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", vendor, err)
	}
	return nil
}

// ClassifyTransportError rewrites a transport failure so its message names
// the failure kind ("timeout" or "connection").
func ClassifyTransportError(vendor string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: request timeout: %w", vendor, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: request canceled: %w", vendor, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: request timeout: %w", vendor, err)
	}

	return fmt.Errorf("%s: connection failed: %w", vendor, err)
}
