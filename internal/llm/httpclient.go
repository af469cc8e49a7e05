// internal/llm/httpclient.go
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// DefaultTimeout bounds a single HTTP completion call.
const DefaultTimeout = 120 * time.Second

// NewHTTPClient builds the client used by HTTP backends. config["timeout_seconds"]
// overrides DefaultTimeout.
func NewHTTPClient(config map[string]string) *http.Client {
	timeout := DefaultTimeout
	if v, ok := config["timeout_seconds"]; ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	return &http.Client{Timeout: timeout}
}

// StatusError is a non-2xx reply from a provider API.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api错误(%d): %s", e.Provider, e.Status, e.Body)
}

// PostJSON sends body as JSON and decodes a 2xx response into out.
func PostJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	// 发送请求
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return &StatusError{Provider: provider, Status: httpResp.StatusCode, Body: string(data)}
	}

	return json.NewDecoder(httpResp.Body).Decode(out)
}
