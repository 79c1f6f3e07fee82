package main

import (
	"context"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
	"github.com/spf13/viper"

	"github.com/gavindi/gnoming-profiles-sub000/internal/config"
	"github.com/gavindi/gnoming-profiles-sub000/internal/daemon"
	"github.com/gavindi/gnoming-profiles-sub000/internal/utils"
	"github.com/gavindi/gnoming-profiles-sub000/internal/version"
)

// controlClient talks to a running daemon's local API.
type controlClient struct {
	client *req.Client
}

func newControlClient() *controlClient {
	baseURL := viper.GetString("control_url")
	if baseURL == "" {
		baseURL = config.DefaultControlURL
	}

	c := req.C().
		SetBaseURL(baseURL).
		SetUserAgent(version.AppName+"/"+version.Version).
		SetTimeout(10*time.Minute). // sync can legitimately take a while
		SetJsonMarshal(utils.JSONMarshal).
		SetJsonUnmarshal(utils.JSONUnmarshal)

	if token := viper.GetString("control_token"); token != "" {
		c.SetCommonBearerAuthToken(token)
	}
	return &controlClient{client: c}
}

func (c *controlClient) Status(ctx context.Context) (*daemon.StatusResponse, error) {
	var status daemon.StatusResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&status).
		Get("/v1/status")
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? %w", err)
	}
	if resp.IsErrorState() {
		return nil, fmt.Errorf("status request failed: %s", resp.Status)
	}
	return &status, nil
}

// Sync triggers one sync operation; direction is "out", "in" or "both".
func (c *controlClient) Sync(ctx context.Context, direction string, queue bool) (queued bool, err error) {
	var result struct {
		Queued bool   `json:"queued"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	r := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&result).
		SetErrorResult(&result)
	if queue {
		r.SetQueryParam("queue", "true")
	}
	resp, err := r.Post("/v1/sync/" + direction)
	if err != nil {
		return false, fmt.Errorf("is the daemon running? %w", err)
	}
	if resp.IsErrorState() {
		if result.Error != "" {
			return false, fmt.Errorf("sync %s: %s", direction, result.Error)
		}
		return false, fmt.Errorf("sync %s failed: %s", direction, resp.Status)
	}
	return result.Queued, nil
}
