package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"valuation/server/config"
)

type BordersRequest struct {
	Bordering []string `json:"bordering" binding:"required"`
}

// ListBorders returns every configured authority with its neighbours
func (h *Handler) ListBorders(c *gin.Context) {
	c.JSON(http.StatusOK, config.ListBorderGroups())
}

// GetBorders returns the configured neighbours of one authority
func (h *Handler) GetBorders(c *gin.Context) {
	authority := c.Param("authority")
	bordering := config.GetBorderingAuthorities(authority)
	if bordering == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Authority not configured"})
		return
	}
	c.JSON(http.StatusOK, config.BorderGroup{Authority: authority, Bordering: bordering})
}

// UpdateBorders replaces the neighbours of one authority
func (h *Handler) UpdateBorders(c *gin.Context) {
	authority := strings.TrimSpace(c.Param("authority"))
	var req BordersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bordering := make([]string, 0, len(req.Bordering))
	for _, name := range req.Bordering {
		if name = strings.Join(strings.Fields(name), " "); name != "" && !strings.EqualFold(name, authority) {
			bordering = append(bordering, name)
		}
	}

	if err := config.UpdateBorderingAuthorities(authority, bordering); err != nil {
		h.logger.WithError(err).Error("Failed to save bordering authorities")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, config.BorderGroup{
		Authority: authority,
		Bordering: config.GetBorderingAuthorities(authority),
	})
}

// DeleteBorders removes one authority from the borders file
func (h *Handler) DeleteBorders(c *gin.Context) {
	err := config.DeleteBorderingAuthorities(c.Param("authority"))
	if errors.Is(err, config.ErrAuthorityNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Authority not configured"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}
