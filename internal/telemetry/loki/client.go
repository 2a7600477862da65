// Package loki pushes trust events to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"remote-access-trust/backend/internal/telemetry/domain"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// Loki label values are free-form, but we keep them to a safe charset.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:.]`)

// jobLabel is the Loki job label for every trust event stream.
const jobLabel = "remote-access-trust"

// maxErrorBody bounds how much of a failed push response ends up in the error.
const maxErrorBody = 512

var ErrEmptyBaseURL = errors.New("loki: base URL is empty")

// eventFields are the parts of a trust event used for labels and the entry timestamp.
// Session, flow, and request ids stay in the line; they are too high-cardinality for labels.
type eventFields struct {
	EventType string    `json:"eventType"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// Client pushes to one Loki instance.
type Client struct {
	pushURL    string
	httpClient *http.Client
	nowF       func() time.Time
}

// NewClient returns a Client for baseURL (e.g. http://localhost:3100). httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, ErrEmptyBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		pushURL:    strings.TrimSuffix(baseURL, "/") + "/loki/api/v1/push",
		httpClient: httpClient,
		nowF:       time.Now,
	}, nil
}

// PushEventJSON pushes one raw trust event (a Kafka message value).
func (c *Client) PushEventJSON(ctx context.Context, raw []byte) error {
	return c.PushEvents(ctx, raw)
}

// PushEvents pushes raw trust events in one request, grouped into one stream per label set.
// Lines that are not trust events are still pushed, stamped with the current time.
func (c *Client) PushEvents(ctx context.Context, raws ...[]byte) error {
	if len(raws) == 0 {
		return nil
	}
	payload, err := json.Marshal(c.buildRequest(raws))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pushURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("loki: push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if msg := strings.TrimSpace(string(body)); msg != "" {
			return fmt.Errorf("loki: push returned %s: %s", resp.Status, msg)
		}
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}

type entry struct {
	ts   time.Time
	line string
}

func (c *Client) buildRequest(raws [][]byte) PushRequest {
	groups := make(map[string]map[string]string)
	entries := make(map[string][]entry)
	for _, raw := range raws {
		labels, ts := c.describe(raw)
		key := labelKey(labels)
		if _, ok := groups[key]; !ok {
			groups[key] = labels
		}
		entries[key] = append(entries[key], entry{ts: ts, line: string(raw)})
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	body := PushRequest{Streams: make([]Stream, 0, len(keys))}
	for _, k := range keys {
		es := entries[k]
		sort.SliceStable(es, func(i, j int) bool { return es[i].ts.Before(es[j].ts) })
		values := make([][]string, len(es))
		for i, e := range es {
			values[i] = []string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
		}
		body.Streams = append(body.Streams, Stream{Stream: groups[k], Values: values})
	}
	return body
}

// describe derives stream labels and the entry timestamp from a raw event.
func (c *Client) describe(raw []byte) (map[string]string, time.Time) {
	labels := map[string]string{"job": jobLabel}
	ts := c.nowF().UTC()
	var fields eventFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return labels, ts
	}
	setLabel(labels, "event_type", fields.EventType)
	setLabel(labels, "source", fields.Source)
	if fields.EventType != "" {
		labels["level"] = levelFor(fields.EventType)
	}
	if !fields.CreatedAt.IsZero() {
		ts = fields.CreatedAt
	}
	return labels, ts
}

// levelFor marks the outcomes an operator would alert on.
func levelFor(eventType string) string {
	switch eventType {
	case domain.EventApprovalTimeout, domain.EventDeviceFlowDenied, domain.EventDeviceFlowFailed:
		return "warn"
	default:
		return "info"
	}
}

func setLabel(labels map[string]string, name, value string) {
	if v := labelSanitize.ReplaceAllString(strings.TrimSpace(value), "_"); v != "" {
		labels[name] = v
	}
}

func labelKey(labels map[string]string) string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}
