package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-cd/internal/types"
)

// HTTP talks to a remote runner service that executes dispatched procedures
// on the fleet's behalf. Requests retry a bounded number of times before
// giving up, with a linear backoff.
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

const httpMaxRetries = 3

func NewHTTP(baseURL string) *HTTP {
	return &HTTP{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTP) Dispatch(ctx context.Context, req types.DispatchRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := h.do(ctx, http.MethodPost, "/dispatch", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("runner accepted dispatch but returned no id")
	}
	return resp.ID, nil
}

func (h *HTTP) Status(ctx context.Context, id string) (types.JobStatus, error) {
	var status types.JobStatus
	err := h.do(ctx, http.MethodGet, "/dispatch/"+url.PathEscape(id), nil, &status)
	return status, err
}

func (h *HTTP) Output(ctx context.Context, id, host string) (types.HostOutput, error) {
	var out types.HostOutput
	path := fmt.Sprintf("/dispatch/%s/output?host=%s", url.PathEscape(id), url.QueryEscape(host))
	err := h.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (h *HTTP) Cancel(ctx context.Context, id string) error {
	return h.do(ctx, http.MethodPost, "/dispatch/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (h *HTTP) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= httpMaxRetries; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.Client.Do(req)
		if err != nil {
			lastErr = err
			logrus.Warnf("runner %s %s failed (attempt %d/%d): %v", method, path, attempt, httpMaxRetries, err)
			if sleepErr := sleepCtx(ctx, time.Duration(attempt)*time.Second); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("runner returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
			if resp.StatusCode >= 500 && attempt < httpMaxRetries {
				continue
			}
			return lastErr
		}

		if out != nil {
			err = json.NewDecoder(resp.Body).Decode(out)
		}
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode runner response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("runner %s %s failed after %d attempts: %w", method, path, httpMaxRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
