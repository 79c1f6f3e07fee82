package daemon

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gavindi/gnoming-profiles-sub000/internal/profile"
	"github.com/gavindi/gnoming-profiles-sub000/internal/version"
)

// StatusResponse is the control plane's view of the engine.
type StatusResponse struct {
	App      string         `json:"app"`
	Version  string         `json:"version"`
	Provider string         `json:"provider"`
	Sync     profile.Status `json:"sync"`
}

type syncResponse struct {
	Queued bool   `json:"queued"`
	Status string `json:"status"`
}

func (d *Daemon) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		App:      version.AppName,
		Version:  version.Version,
		Provider: d.config.Provider,
		Sync:     d.orch.Status(),
	})
}

// handleSync runs one orchestrator operation. With ?queue=true a busy
// engine queues the request instead of rejecting it.
func (d *Daemon) handleSync(trigger func(allowQueue bool) (bool, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowQueue := c.Query("queue") == "true" || c.Query("queue") == "1"
		queued, err := trigger(allowQueue)
		switch {
		case errors.Is(err, profile.ErrAlreadySyncing):
			c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
		case err != nil:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		case queued:
			c.JSON(http.StatusAccepted, syncResponse{Queued: true, Status: "queued"})
		default:
			c.JSON(http.StatusOK, syncResponse{Status: "done"})
		}
	}
}

func (d *Daemon) handleResync(c *gin.Context) {
	d.orch.ClearCaches()
	c.JSON(http.StatusOK, gin.H{"status": "caches cleared"})
}
