package grafana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
)

var _ port.DashboardPublisher = (*Client)(nil)

// Config 配置 Grafana 发布器。
type Config struct {
	BaseURL     string
	Token       string
	FolderUID   string
	Datasources Datasources
}

// Client 通过 Grafana HTTP API 发布仪表盘。
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type saveRequest struct {
	Dashboard Model  `json:"dashboard"`
	FolderUID string `json:"folderUid,omitempty"`
	Overwrite bool   `json:"overwrite"`
	Message   string `json:"message,omitempty"`
}

type saveResponse struct {
	UID     string `json:"uid"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	Version int    `json:"version"`
	Message string `json:"message"`
}

// Publish 用当前的面板集合覆盖仪表盘，旧版本由 Grafana 保留，可重复发布。
func (c *Client) Publish(ctx context.Context, dashboard *domain.Dashboard) error {
	body, err := json.Marshal(saveRequest{
		Dashboard: Render(dashboard, c.cfg.Datasources),
		FolderUID: c.cfg.FolderUID,
		Overwrite: true,
		Message:   "published by topology-engine",
	})
	if err != nil {
		return fmt.Errorf("grafana: encode dashboard: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/dashboards/db", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("grafana: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("grafana: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("grafana: read response: %w", err)
	}
	var out saveResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		msg := out.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("grafana: save dashboard %q: status %d: %s", dashboard.Name, resp.StatusCode, msg)
	}

	slog.Info("dashboard published", "name", dashboard.Name, "uid", out.UID, "version", out.Version, "url", out.URL)
	return nil
}
