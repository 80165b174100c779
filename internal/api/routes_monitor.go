package api

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/arena-project/arena/internal/util"
)

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.game.Status())
}

func (s *Server) handlePlayers(c *gin.Context) {
	players := s.game.Players()
	c.JSON(http.StatusOK, gin.H{
		"players": players,
		"count":   len(players),
	})
}

func (s *Server) handleRound(c *gin.Context) {
	c.JSON(http.StatusOK, s.game.Round())
}

// handlePool reports the shared buffer pool accounting.
func (s *Server) handlePool(c *gin.Context) {
	c.JSON(http.StatusOK, s.game.Status().Pool)
}

// handleTicks reports simulation timing and recent overruns.
func (s *Server) handleTicks(c *gin.Context) {
	c.JSON(http.StatusOK, s.game.Status().Ticks)
}

// handleSystem samples host load. The disk figure is for the database
// directory's volume.
func (s *Server) handleSystem(c *gin.Context) {
	diskPath := filepath.Dir(s.cfg.GetApplicationData().Database.Path)
	c.JSON(http.StatusOK, gin.H{
		"system":    util.GetSystemInfo(),
		"resources": util.SampleResources(diskPath),
	})
}
