package backend

import (
	"time"

	"github.com/gavindi/gnoming-profiles-sub000/internal/utils"
	"github.com/gavindi/gnoming-profiles-sub000/internal/version"
	"github.com/imroc/req/v3"
)

// NewHTTPClient builds the req client every backend shares: common
// user-agent, sane timeout, a small transient-error retry count and the
// project JSON codec.
func NewHTTPClient() *req.Client {
	return req.C().
		SetUserAgent(version.AppName+"/"+version.Version).
		SetTimeout(60*time.Second).
		SetCommonRetryCount(2).
		SetCommonRetryFixedInterval(1*time.Second).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			// retry only transport errors and server-side 5xx; conditional
			// responses (304/412) and client errors must reach the caller
			return err != nil || resp.GetStatusCode() >= 500
		}).
		SetJsonMarshal(utils.JSONMarshal).
		SetJsonUnmarshal(utils.JSONUnmarshal)
}
