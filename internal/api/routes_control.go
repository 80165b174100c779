package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	intnet "github.com/arena-project/arena/internal/network"
)

// handleKick schedules a connection for teardown.
func (s *Server) handleKick(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 16)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
		return
	}

	if err := s.game.Kick(intnet.ConnID(id)); err != nil {
		if errors.Is(err, intnet.ErrUnknownClient) {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Uint64("conn_id", id).Str("client_ip", c.ClientIP()).Msg("API: connection kicked")
	c.JSON(http.StatusOK, gin.H{
		"status":  "kicked",
		"conn_id": id,
	})
}
