package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"causalText/backend/internal/cache"
	"causalText/backend/internal/collab"
	"causalText/backend/internal/crdt"
)

type DocumentHandler struct {
	svc      collab.Service
	presence cache.PresenceCache
}

func NewDocumentHandler(svc collab.Service, presence cache.PresenceCache) *DocumentHandler {
	return &DocumentHandler{svc: svc, presence: presence}
}

// Register 挂到 /collab 分组下
func (h *DocumentHandler) Register(g *gin.RouterGroup) {
	g.GET("/docs", h.ListDocuments)
	g.POST("/docs", h.CreateDocument)
	g.GET("/docs/:docId", h.GetDocument)
	g.POST("/docs/:docId/intents", h.ApplyIntent)
	g.POST("/docs/:docId/ops", h.IntegrateOps)
	g.POST("/docs/:docId/sync", h.Sync)
	g.POST("/docs/:docId/snapshot", h.SaveSnapshot)
	g.GET("/docs/:docId/replicas", h.Replicas)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrUnsupported):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

type createDocumentReq struct {
	Title   string `json:"title" binding:"required"`
	OwnerID uint64 `json:"ownerId"`
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	var req createDocumentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	docID, err := h.svc.CreateDocument(c.Request.Context(), req.OwnerID, req.Title)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"docId": docID, "title": req.Title, "ownerId": req.OwnerID})
}

func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"replica": h.svc.Replica(), "documents": h.svc.Documents()})
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	ctx := c.Request.Context()
	docID := c.Param("docId")
	// 也支持按标题查找：?by=title
	if c.Query("by") == "title" {
		id, err := h.svc.GetDocumentID(ctx, docID)
		if err != nil {
			abort(c, err)
			return
		}
		docID = id
	}
	text, err := h.svc.Render(ctx, docID)
	if err != nil {
		abort(c, err)
		return
	}
	version, _ := h.svc.Version(ctx, docID)
	pending, _ := h.svc.PendingCount(ctx, docID)
	c.JSON(http.StatusOK, gin.H{
		"docId":   docID,
		"replica": h.svc.Replica(),
		"text":    text,
		"version": version,
		"pending": pending,
	})
}

func (h *DocumentHandler) ApplyIntent(c *gin.Context) {
	var req collab.IntentMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	intent, err := req.Intent()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	upd, err := h.svc.ApplyIntent(c.Request.Context(), c.Param("docId"), intent)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, upd)
}

type opsReq struct {
	Ops []crdt.Op `json:"ops" binding:"required"`
}

func (h *DocumentHandler) IntegrateOps(c *gin.Context) {
	var req opsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	docID := c.Param("docId")
	outcomes := make([]crdt.Outcome, 0, len(req.Ops))
	for _, op := range req.Ops {
		res, err := h.svc.IntegrateRemote(ctx, docID, op)
		if err != nil {
			abort(c, err)
			return
		}
		outcomes = append(outcomes, res.Outcome)
	}
	pending, _ := h.svc.PendingCount(ctx, docID)
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes, "pending": pending})
}

type syncReq struct {
	Version crdt.Global `json:"version"`
}

func (h *DocumentHandler) Sync(c *gin.Context) {
	var req syncReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	docID := c.Param("docId")
	ops, err := h.svc.OpsSince(ctx, docID, req.Version)
	if err != nil {
		abort(c, err)
		return
	}
	version, _ := h.svc.Version(ctx, docID)
	frontier, _ := h.svc.Frontier(ctx, docID)
	c.JSON(http.StatusOK, gin.H{"ops": ops, "version": version, "frontier": frontier})
}

func (h *DocumentHandler) SaveSnapshot(c *gin.Context) {
	docID := c.Param("docId")
	if err := h.svc.SaveSnapshot(c.Request.Context(), docID); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Document " + docID + " saved"})
}

func (h *DocumentHandler) Replicas(c *gin.Context) {
	members, err := h.presence.GetAliveMembers(c.Request.Context(), c.Param("docId"))
	if err != nil {
		abort(c, err)
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}
