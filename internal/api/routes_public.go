package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arena-project/arena/internal/config"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "arena",
		"version": config.Version,
	})
}

// handleInfo returns what a server browser needs to list this server.
func (s *Server) handleInfo(c *gin.Context) {
	st := s.game.Status()
	c.JSON(http.StatusOK, gin.H{
		"name":        st.Name,
		"map_name":    st.MapName,
		"players":     st.Live,
		"max_clients": st.MaxClients,
		"running":     st.Running,
		"round":       st.Round.Number,
		"version":     config.Version,
	})
}
