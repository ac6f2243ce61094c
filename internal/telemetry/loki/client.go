// Package loki pushes fan-out events to Grafana Loki as log lines.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"iot-platform/monitoring-service/internal/fanout"
)

const defaultTimeout = 5 * time.Second

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters we keep out of label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// Client pushes log lines to a Loki instance.
type Client struct {
	baseURL string
	job     string
	http    *http.Client
}

// NewClient returns a client for baseURL (e.g. http://loki:3100). job becomes the job label of every stream.
func NewClient(baseURL, job string, hc *http.Client) (*Client, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("loki: base URL is empty")
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: baseURL, job: job, http: hc}, nil
}

// Push sends one line with the given timestamp and labels. Non-2xx replies are errors.
func (c *Client) Push(ctx context.Context, ts time.Time, line string, labels map[string]string) error {
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = c.job
	for k, v := range labels {
		if sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	payload, err := json.Marshal(PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{strconv.FormatInt(ts.UnixNano(), 10), line}},
		}},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("loki: push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}

// Sink mirrors fan-out events to Loki. Streams are labelled by event name only;
// device and owner stay in the line to keep label cardinality bounded.
type Sink struct {
	client *Client
	now    func() time.Time
}

// NewSink returns a fan-out sink pushing through c.
func NewSink(c *Client) *Sink {
	return &Sink{client: c, now: time.Now}
}

// Name implements fanout.Sink.
func (s *Sink) Name() string { return "loki" }

// Publish pushes the JSON envelope of ev, timestamped with the metric time when there is one.
func (s *Sink) Publish(ctx context.Context, ev fanout.Event) error {
	line, err := fanout.Encode(ev)
	if err != nil {
		return err
	}
	ts := s.now().UTC()
	if m, ok := fanout.MetricOf(ev); ok && !m.Timestamp.IsZero() {
		ts = m.Timestamp
	}
	return s.client.Push(ctx, ts, string(line), map[string]string{"event": ev.Name})
}

// Close releases idle connections.
func (s *Sink) Close() error {
	s.client.http.CloseIdleConnections()
	return nil
}
