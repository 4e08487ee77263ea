// Package payment предоставляет клиент для внешнего шлюза мобильных выплат.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Статусы выплаты, возвращаемые шлюзом.
const (
	PayoutProcessing = "PROCESSING"
	PayoutCompleted  = "COMPLETED"
	PayoutFailed     = "FAILED"
)

// Client инкапсулирует HTTP-взаимодействие со шлюзом выплат.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// PayoutRequest описывает запрос на инициацию выплаты.
type PayoutRequest struct {
	Reference   string `json:"reference"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

// PayoutStatus описывает ответ шлюза по одной выплате.
type PayoutStatus struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// NewClient создаёт HTTP-клиент шлюза выплат по указанному адресу.
// Сетевые сбои повторяются клиентом автоматически.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	// 429 обрабатывается вызывающим кодом по заголовку Retry-After.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// InitiatePayout передаёт шлюзу запрос на выплату. Шлюз обрабатывает выплату
// асинхронно; итоговый статус запрашивается через GetPayoutStatus.
func (c *Client) InitiatePayout(ctx context.Context, reference, destination string, amountCents int64) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("payment client not configured")
	}

	body, err := json.Marshal(PayoutRequest{
		Reference:   reference,
		Destination: destination,
		Amount:      amountCents,
	})
	if err != nil {
		return fmt.Errorf("marshal payout request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/payouts"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// GetPayoutStatus запрашивает состояние выплаты по её референсу.
// При ответе 429 возвращает интервал из заголовка Retry-After.
func (c *Client) GetPayoutStatus(ctx context.Context, reference string) (*PayoutStatus, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("payment client not configured")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/payouts/"+reference), nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result PayoutStatus
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
