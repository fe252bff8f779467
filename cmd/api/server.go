package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mohans/legalpipe/config"
	"github.com/mohans/legalpipe/hub"
	"github.com/mohans/legalpipe/monitor"
	"github.com/mohans/legalpipe/progress"
	"github.com/mohans/legalpipe/store"
	"github.com/mohans/legalpipe/tasks"
	"github.com/mohans/legalpipe/ws"
)

type serverDeps struct {
	cfg       config.Config
	log       *slog.Logger
	hub       *hub.Hub
	wsHandler *ws.Handler
	submitter *tasks.Submitter
	monitor   *monitor.Monitor
	tracker   *progress.Tracker
	docs      store.DocumentStore
	pipelines tasks.PipelineStore
	blobs     blobSaver
}

type blobSaver interface {
	tasks.BlobStore
	Save(ctx context.Context, documentID string, data []byte) error
}

func newServer(d serverDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/ws/:session", d.wsHandler.Serve)

	api := r.Group("/api")
	{
		api.POST("/documents", d.uploadDocument)
		api.GET("/documents/:id", d.getDocument)
		api.POST("/documents/:id/analyze", d.analyzeDocument)
		api.GET("/tasks/:id", d.taskStatus)
		api.GET("/tasks/:id/progress", d.taskProgress)
		api.POST("/tasks/:id/cancel", d.cancelTask)
		api.GET("/pipelines/:id", d.getPipeline)
		api.GET("/queues/:name/length", d.queueLength)
		api.POST("/queues/:name/purge", d.purgeQueue)
		api.GET("/workers", d.listWorkers)
		api.GET("/active", d.listActive)
		api.GET("/scheduled", d.listScheduled)
	}
	return r
}

type uploadRequest struct {
	Filename string `json:"filename" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

func (d serverDeps) uploadDocument(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := uuid.NewString()
	if err := d.blobs.Save(c.Request.Context(), id, []byte(req.Content)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := d.docs.InsertDocument(c.Request.Context(), store.Document{
		ID:       id,
		Filename: req.Filename,
		Status:   store.DocUploaded,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"document_id": id})
}

func (d serverDeps) getDocument(c *gin.Context) {
	doc, err := d.docs.GetDocument(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

type analyzeRequest struct {
	Comprehensive bool   `json:"comprehensive"`
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
}

func (d serverDeps) analyzeDocument(c *gin.Context) {
	documentID := c.Param("id")
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskType := tasks.TypeProcessDocument
	if req.Comprehensive {
		taskType = tasks.TypeComprehensiveAnalysis
	}
	taskID, err := d.submitter.Submit(c.Request.Context(), taskType, tasks.DocumentPayload{DocumentID: documentID})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID != "" {
		d.hub.WatchTask(taskID, req.SessionID, req.UserID)
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "queue": tasks.QueueFor(taskType)})
}

func (d serverDeps) taskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, d.monitor.Status(c.Request.Context(), c.Param("id")))
}

// taskProgress answers just the latest progress snapshot, served from the
// tracker's cache when this process recorded it.
func (d serverDeps) taskProgress(c *gin.Context) {
	c.JSON(http.StatusOK, d.tracker.Get(c.Request.Context(), c.Param("id")))
}

type cancelRequest struct {
	Terminate bool `json:"terminate"`
}

func (d serverDeps) cancelTask(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, d.monitor.Cancel(c.Request.Context(), c.Param("id"), req.Terminate))
}

func (d serverDeps) getPipeline(c *gin.Context) {
	rec, err := d.pipelines.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (d serverDeps) queueLength(c *gin.Context) {
	n := d.monitor.QueueLength(c.Request.Context(), c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"queue": c.Param("name"), "length": n})
}

func (d serverDeps) purgeQueue(c *gin.Context) {
	n, err := d.monitor.Purge(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "purged": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": c.Param("name"), "purged": n})
}

func (d serverDeps) listWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, d.monitor.Workers(c.Request.Context()))
}

func (d serverDeps) listActive(c *gin.Context) {
	c.JSON(http.StatusOK, d.monitor.Active(c.Request.Context()))
}

func (d serverDeps) listScheduled(c *gin.Context) {
	c.JSON(http.StatusOK, d.monitor.Scheduled(c.Request.Context()))
}
