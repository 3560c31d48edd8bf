// Package sentiment140 calls the Sentiment140 bulk classification API.
package sentiment140

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/enrich"
)

const bulkPath = "/api/bulkClassifyJson"

// Config controls the client.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	AppID   string `mapstructure:"app_id"`
	// Query is an optional subject hint sent with every request.
	Query   string        `mapstructure:"query"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client implements enrich.Classifier.
type Client struct {
	http   *resty.Client
	cfg    Config
	logger *zap.Logger
}

type item struct {
	Text     string `json:"text"`
	OID      string `json:"oid"`
	Polarity *int   `json:"polarity,omitempty"`
}

type envelope struct {
	Data []item `json:"data"`
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sentiment140 base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: rc, cfg: cfg, logger: logger}, nil
}

// Classify sends the whole chunk as one request. Each task's id is sent as
// "oid" and echoed back by the service.
func (c *Client) Classify(ctx context.Context, tasks []enrich.Task) ([]enrich.Classification, error) {
	req := envelope{Data: make([]item, len(tasks))}
	for i, task := range tasks {
		req.Data[i] = item{Text: task.Text, OID: task.ID.String()}
	}

	var resp envelope
	r := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp)
	if c.cfg.AppID != "" {
		r.SetQueryParam("appid", c.cfg.AppID)
	}
	if c.cfg.Query != "" {
		r.SetQueryParam("query", c.cfg.Query)
	}
	res, err := r.Post(bulkPath)
	if err != nil {
		return nil, fmt.Errorf("post bulk classify: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("bulk classify: unexpected status %d", res.StatusCode())
	}

	out := make([]enrich.Classification, 0, len(resp.Data))
	for i, d := range resp.Data {
		polarity, ok := toScore(d.Polarity)
		if !ok {
			c.logger.Warn("Dropping item with unexpected polarity", zap.Int("position", i), zap.String("oid", d.OID))
			continue
		}
		out = append(out, enrich.Classification{Key: d.OID, Polarity: polarity})
	}
	return out, nil
}

// toScore maps the service scale 0 (negative), 2 (neutral), 4 (positive)
// to -1, 0, 1.
func toScore(p *int) (int, bool) {
	if p == nil {
		return 0, false
	}
	switch *p {
	case 0, 2, 4:
		return *p/2 - 1, true
	default:
		return 0, false
	}
}
