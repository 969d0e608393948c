package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "BurnerLaunch/internal/errors"
)

// WebhookConfig 描述告警 Webhook。消息体兼容 Slack 与钉钉的文本格式。
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// Critical 为 true 时只转发 critical 事件。
	Critical bool
}

// WebhookSink 把需要人工关注的事件推送到告警 Webhook。
type WebhookSink struct {
	url          string
	client       *http.Client
	criticalOnly bool
}

// NewWebhookSink 创建 WebhookSink。
func NewWebhookSink(cfg WebhookConfig, client *http.Client) (*WebhookSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("Webhook URL 不能为空")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookSink{url: cfg.URL, client: client, criticalOnly: cfg.Critical}, nil
}

// Name 返回渠道名称。
func (s *WebhookSink) Name() string { return "webhook" }

// Notify 只推送 warning、critical 或错误码标记为需告警的事件。
func (s *WebhookSink) Notify(ctx context.Context, event Event) error {
	if !s.wants(event) {
		return nil
	}

	body, err := json.Marshal(map[string]string{"text": alertText(event)})
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警 Webhook 返回 %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSink) wants(event Event) bool {
	if event.Code != "" && xerrors.AttributesOf(event.Code).Alert {
		return true
	}
	switch event.Severity {
	case xerrors.SeverityCritical:
		return true
	case xerrors.SeverityWarning:
		return !s.criticalOnly
	}
	return false
}

func alertText(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s]* %s", event.Severity, event.Kind)
	if event.Code != "" {
		fmt.Fprintf(&b, " %s", event.Code)
	}
	if event.Message != "" {
		fmt.Fprintf(&b, " - %s", event.Message)
	}
	fmt.Fprintf(&b, "\n流程: %s", event.WorkflowID)
	if event.Burner != "" {
		fmt.Fprintf(&b, "\nburner: %s", event.Burner)
	}
	for k, v := range event.Metadata {
		fmt.Fprintf(&b, "\n- %s: %s", k, v)
	}
	return b.String()
}
