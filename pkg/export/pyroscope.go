// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mbeema/loopmon/pkg/config"
	"go.uber.org/zap"
)

// PyroscopeExporter pushes pprof profiles to a Pyroscope-compatible HTTP endpoint.
type PyroscopeExporter struct {
	endpoint string
	username string // Basic auth username (Grafana Cloud instance ID)
	password string // Basic auth password (Grafana Cloud API token)
	client   *http.Client
	logger   *zap.Logger
}

// NewPyroscopeExporter creates a new Pyroscope HTTP exporter.
func NewPyroscopeExporter(cfg *config.PyroscopeConfig, logger *zap.Logger) *PyroscopeExporter {
	return &PyroscopeExporter{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		username: cfg.Username,
		password: cfg.Password,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// invalidServiceNameChars matches characters not allowed by Pyroscope.
var invalidServiceNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeServiceName(name string) string {
	return invalidServiceNameChars.ReplaceAllString(name, "_")
}

// ingestURL builds the /ingest query. The application name carries the
// profile type and the watchdog activation count as a label.
func (e *PyroscopeExporter) ingestURL(p *Profile) string {
	name := fmt.Sprintf("%s.cpu{activations=%d}", sanitizeServiceName(p.ServiceName), p.Activations)
	q := url.Values{}
	q.Set("name", name)
	q.Set("format", "pprof")
	q.Set("from", fmt.Sprint(p.Start.Unix()))
	q.Set("until", fmt.Sprint(p.End.Unix()))
	return e.endpoint + "/ingest?" + q.Encode()
}

// ExportProfile sends a gzip'd pprof profile to the Pyroscope receiver.
func (e *PyroscopeExporter) ExportProfile(ctx context.Context, p *Profile) error {
	target := e.ingestURL(p)

	backoff := initialBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(p.PProfData))
		if err != nil {
			cancel()
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		if e.username != "" {
			req.SetBasicAuth(e.username, e.password)
		}

		resp, err := e.client.Do(req)
		if err == nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				cancel()
				return nil
			}
			err = fmt.Errorf("pyroscope HTTP %d: %s", resp.StatusCode, string(body))
		}
		cancel()

		if attempt == maxRetries {
			return fmt.Errorf("pyroscope export failed after %d attempts: %w", maxRetries+1, err)
		}

		e.logger.Warn("pyroscope export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}

	return nil
}

// Shutdown closes the HTTP client.
func (e *PyroscopeExporter) Shutdown(ctx context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}
