package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/synapse-ops/synapse/internal/config"
)

// adminClient talks to a running daemon's admin API. Commands other
// than `start` act on the live process, not on the files directly.
type adminClient struct {
	http *resty.Client
}

func newAdminClient(cfg *config.Config) *adminClient {
	client := resty.New().
		SetBaseURL(fmt.Sprintf("http://%s/api/v1", cfg.Server.Addr())).
		SetTimeout(30 * time.Second)
	return &adminClient{http: client}
}

func (c *adminClient) get(ctx context.Context, path string, out any) error {
	resp, err := c.http.R().SetContext(ctx).SetResult(out).Get(path)
	return checkResponse(resp, err)
}

func (c *adminClient) post(ctx context.Context, path string, out any) error {
	req := c.http.R().SetContext(ctx)
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Post(path)
	return checkResponse(resp, err)
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("daemon returned %s: %s", resp.Status(), resp.String())
	}
	return nil
}
