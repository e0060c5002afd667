// Package telegram delivers notifications through per-purpose bot clients
// with queueing, pacing and 429-aware backoff.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPIBase = "https://api.telegram.org"

// SendError is a Telegram API rejection.
type SendError struct {
	Code        int
	Description string
	RetryAfter  int // seconds, set on 429
}

func (e *SendError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Description)
}

// RateLimited reports whether the error is a 429.
func (e *SendError) RateLimited() bool { return e.Code == 429 }

// Permanent reports whether the message must be discarded: chat not found
// (400) or bot blocked by the user (403).
func (e *SendError) Permanent() bool { return e.Code == 400 || e.Code == 403 }

// Client sends messages through one bot token.
type Client struct {
	token string
	http  *resty.Client
}

// NewClient creates a sender for one bot token.
func NewClient(token string, timeout time.Duration) *Client {
	return &Client{
		token: token,
		http: resty.New().
			SetBaseURL(telegramAPIBase).
			SetTimeout(timeout).
			SetRetryCount(0),
	}
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendMessage delivers one message. Network failures return the transport
// error; API rejections return a *SendError.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", c.token))
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}

	var body sendMessageResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return fmt.Errorf("telegram response parse failed: %w", err)
	}
	if body.OK {
		return nil
	}
	return &SendError{
		Code:        body.ErrorCode,
		Description: body.Description,
		RetryAfter:  body.Parameters.RetryAfter,
	}
}
