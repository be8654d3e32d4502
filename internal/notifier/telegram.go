package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultRetryAfter = 5 * time.Second

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	MessageThreadID       *int   `json:"message_thread_id,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// apiResult is a completed HTTP exchange. Transport failures are returned as
// errors instead.
type apiResult struct {
	status      int
	ok          bool
	description string
	retryAfter  time.Duration
}

func (r apiResult) delivered() bool { return r.status/100 == 2 && r.ok }

func (d *Dispatcher) postSendMessage(ctx context.Context, cfg Config, payload sendMessageRequest) (apiResult, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return apiResult{}, err
	}
	url := strings.TrimRight(cfg.APIURL, "/") + "/bot" + strings.TrimSpace(cfg.Token) + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return apiResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return apiResult{}, err
	}
	defer resp.Body.Close()

	var out apiResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(body, &out)

	res := apiResult{status: resp.StatusCode, ok: out.OK, description: out.Description}
	if resp.StatusCode == http.StatusTooManyRequests {
		res.retryAfter = retryAfter(resp.Header.Get("Retry-After"), out)
	}
	return res, nil
}

// retryAfter prefers the header, then parameters.retry_after, then 5s.
func retryAfter(header string, out apiResponse) time.Duration {
	if n, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	if out.Parameters != nil && out.Parameters.RetryAfter > 0 {
		return time.Duration(out.Parameters.RetryAfter) * time.Second
	}
	return defaultRetryAfter
}
