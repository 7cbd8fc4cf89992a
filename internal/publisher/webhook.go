package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	xerrors "TrustClaw/internal/errors"
)

// WebhookConfig 描述 Webhook 交付渠道的参数。
type WebhookConfig struct {
	Endpoint string
	// TokenEnv 指定携带凭证的环境变量名,凭证本身不进配置文件。
	TokenEnv string
	Timeout  time.Duration
}

// WebhookDelivery 通过 HTTP POST 把公告交付给外部服务。
type WebhookDelivery struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewWebhookDelivery 创建 Webhook 交付渠道。
func NewWebhookDelivery(cfg WebhookConfig) (*WebhookDelivery, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "webhook endpoint 不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var token string
	if cfg.TokenEnv != "" {
		token = strings.TrimSpace(os.Getenv(cfg.TokenEnv))
	}
	return &WebhookDelivery{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Name 返回渠道名称。
func (d *WebhookDelivery) Name() string { return "webhook" }

// Send 实现 Delivery 接口。非 2xx 响应视为可重试的交付失败。
func (d *WebhookDelivery) Send(ctx context.Context, announcement Announcement) error {
	payload, err := json.Marshal(announcement)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "编码公告失败", xerrors.WithRetryable(false))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "构造公告请求失败", xerrors.WithRetryable(false))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", announcement.ID)
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "公告请求发送失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.New(xerrors.CodeDeliveryFailure,
			fmt.Sprintf("公告服务返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}
