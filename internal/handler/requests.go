package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ccflare/internal/logging"
	"ccflare/internal/store"
)

// RequestHandler serves the persisted request analytics.
type RequestHandler struct {
	store *store.Store
}

func NewRequestHandler(st *store.Store) *RequestHandler {
	return &RequestHandler{store: st}
}

func (h *RequestHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	// Analytics reads race the async writer; flush so the caller sees
	// everything already acknowledged.
	h.store.Flush()

	rows, err := h.store.ListRequests(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": logging.RedactError(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": rows, "count": len(rows)})
}

func (h *RequestHandler) Get(c *gin.Context) {
	h.store.Flush()

	row, err := h.store.GetRequest(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": logging.RedactError(err)})
		return
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	c.JSON(http.StatusOK, row)
}
