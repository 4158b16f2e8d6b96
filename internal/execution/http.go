package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/chatpact/internal/domain"
)

const maxErrorBody = 4 << 10

// HTTPVendor runs actions against a vendor HTTP API:
// POST {BaseURL}/v1/actions/{action} with the job and PIN, answered by the
// success metadata.
type HTTPVendor struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPVendor creates a vendor adapter with a bounded client timeout.
func NewHTTPVendor(baseURL string) *HTTPVendor {
	return &HTTPVendor{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type vendorRequest struct {
	Job
	PIN string `json:"pin,omitempty"`
}

// Execute implements Vendor.
func (v *HTTPVendor) Execute(ctx context.Context, job Job, pin string) (domain.Metadata, error) {
	endpoint := v.BaseURL + "/v1/actions/" + url.PathEscape(string(job.Action))
	var out domain.Metadata
	if err := postJSON(ctx, v.Client, endpoint, vendorRequest{Job: job, PIN: pin}, &out); err != nil {
		return domain.Metadata{}, err
	}
	return out, nil
}

// HTTPReportSink posts reports to the engine's report endpoint.
type HTTPReportSink struct {
	BaseURL string
	Client  *http.Client

	// Header is added to every request, e.g. an identity cookie.
	Header http.Header
}

// NewHTTPReportSink creates a sink for an engine at baseURL.
func NewHTTPReportSink(baseURL string) *HTTPReportSink {
	return &HTTPReportSink{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type reportBody struct {
	AgentID  string            `json:"agentId"`
	Source   domain.ActionType `json:"source"`
	Metadata domain.Metadata   `json:"metadata"`
}

// Submit implements ReportSink.
func (s *HTTPReportSink) Submit(ctx context.Context, report domain.Report) error {
	endpoint := s.BaseURL + "/api/rooms/" + url.PathEscape(report.RoomID) + "/reports"
	body := reportBody{AgentID: report.AgentID, Source: report.Source, Metadata: report.Metadata}
	return postJSON(ctx, s.Client, endpoint, body, nil, s.Header)
}

// postJSON sends body and decodes a 2xx answer into out. Rate limits, 5xx
// and network failures come back as TransientError.
func postJSON(ctx context.Context, client *http.Client, endpoint string, body, out any, headers ...http.Header) error {
	if client == nil {
		client = http.DefaultClient
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, h := range headers {
		for k, vs := range h {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return Transient(fmt.Errorf("post %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := fmt.Errorf("post %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Transient(statusErr)
		}
		return statusErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
