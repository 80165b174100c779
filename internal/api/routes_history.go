package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const maxHistoryLimit = 500

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "match history is disabled"})
		return false
	}
	return true
}

func historyLimit(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("limit", "20")
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, true
}

func (s *Server) handleSessions(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	limit, ok := historyLimit(c)
	if !ok {
		return
	}

	sessions, err := s.history.RecentSessions(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleRounds(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	limit, ok := historyLimit(c)
	if !ok {
		return
	}

	rounds, err := s.history.RecentRounds(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list rounds")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rounds"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rounds": rounds, "count": len(rounds)})
}

func (s *Server) handlePlayerTotals(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	nickname := c.Param("nickname")

	totals, err := s.history.PlayerTotals(nickname)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("nickname", nickname).Msg("failed to total player")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to total player"})
		return
	}
	c.JSON(http.StatusOK, totals)
}
