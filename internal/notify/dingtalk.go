package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DingTalk sends text messages to a DingTalk group robot webhook signed
// with the robot's secret.
type DingTalk struct {
	webhook string
	secret  string
	client  *http.Client
	now     func() time.Time
}

// NewDingTalk creates a DingTalk notifier.
func NewDingTalk(webhook, secret string) (*DingTalk, error) {
	return NewDingTalkWithDeps(webhook, secret, &http.Client{Timeout: 10 * time.Second}, time.Now)
}

// NewDingTalkWithDeps creates a DingTalk notifier with a custom HTTP client and clock for testing
func NewDingTalkWithDeps(webhook, secret string, client *http.Client, now func() time.Time) (*DingTalk, error) {
	if webhook == "" {
		return nil, fmt.Errorf("dingtalk webhook is required")
	}
	if _, err := url.Parse(webhook); err != nil {
		return nil, fmt.Errorf("parsing dingtalk webhook: %w", err)
	}
	return &DingTalk{
		webhook: webhook,
		secret:  secret,
		client:  client,
		now:     now,
	}, nil
}

// Sign returns the base64 HMAC-SHA256 of "timestamp\nsecret" keyed by secret.
func Sign(secret string, timestampMs int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d\n%s", timestampMs, secret)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignedURL returns the webhook URL with timestamp and sign query parameters.
// Without a secret the webhook is returned unchanged.
func (d *DingTalk) SignedURL(timestampMs int64) (string, error) {
	if d.secret == "" {
		return d.webhook, nil
	}
	u, err := url.Parse(d.webhook)
	if err != nil {
		return "", fmt.Errorf("parsing dingtalk webhook: %w", err)
	}
	q := u.Query()
	q.Set("timestamp", strconv.FormatInt(timestampMs, 10))
	q.Set("sign", Sign(d.secret, timestampMs))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type dingTalkText struct {
	Content string `json:"content"`
}

type dingTalkMessage struct {
	MsgType string       `json:"msgtype"`
	Text    dingTalkText `json:"text"`
}

type dingTalkResponse struct {
	ErrCode *int   `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Notify posts message as a text message.
func (d *DingTalk) Notify(ctx context.Context, message string) error {
	endpoint, err := d.SignedURL(d.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotificationFailed, err)
	}

	jsonData, err := json.Marshal(dingTalkMessage{
		MsgType: "text",
		Text:    dingTalkText{Content: message},
	})
	if err != nil {
		return fmt.Errorf("%w: marshaling message: %w", ErrNotificationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", ErrNotificationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: calling dingtalk: %w", ErrNotificationFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrNotificationFailed, err)
	}

	var result dingTalkResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("%w: decoding response (status %d): %w", ErrNotificationFailed, resp.StatusCode, err)
	}
	if result.ErrCode == nil || *result.ErrCode != 0 {
		return fmt.Errorf("%w: dingtalk rejected message (status %d): %s", ErrNotificationFailed, resp.StatusCode, string(body))
	}
	return nil
}
