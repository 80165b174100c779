package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/events"
)

// handleGetConfig returns the current configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	app := s.cfg.GetApplicationData()
	if app.API.AuthToken != "" {
		app.API.AuthToken = "********"
	}
	c.JSON(http.StatusOK, gin.H{
		"server":      s.cfg.GetServerData(),
		"client":      s.cfg.GetClientData(),
		"application": app,
	})
}

// handleSetServerField updates one server setting and saves the file. The
// running game server keeps its settings until restarted.
func (s *Server) handleSetServerField(c *gin.Context) {
	var body struct {
		Key   string      `json:"key" binding:"required"`
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetServerData()
	if err := s.cfg.UpdateServerField(body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetServerData(previous)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid configuration",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		s.logger.Error().Err(err).Msg("failed to save config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	if s.eventBus != nil {
		s.eventBus.Emit(c.Request.Context(), events.Event{
			Type:   events.EventConfigChanged,
			Source: "api",
			Payload: events.ConfigChangedPayload{
				Section: "server",
				Key:     body.Key,
				Value:   body.Value,
			},
		})
	}

	s.logger.Info().Str("key", body.Key).Interface("value", body.Value).Msg("API: server setting updated")
	c.JSON(http.StatusOK, gin.H{
		"status":           "updated",
		"restart_required": true,
		"server":           s.cfg.GetServerData(),
	})
}
