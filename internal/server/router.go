package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/ingest"
	"github.com/MarcoPoloResearchLab/roomsync/internal/projector"
	"github.com/MarcoPoloResearchLab/roomsync/internal/records"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryPage  = 1
	defaultHistoryLimit = 1000

	statusSuccess = "success"
)

var (
	errMissingIngestor  = errors.New("ingestor dependency required")
	errMissingProjector = errors.New("projector dependency required")
)

// Ingestor accepts raw inbound payloads.
type Ingestor interface {
	IngestLegacySync(ctx context.Context, body []byte) (ingest.Result, error)
	RecordRoomEvent(ctx context.Context, body []byte) (ingest.Result, error)
	IngestChatBatch(ctx context.Context, body []byte) (ingest.Result, error)
	IngestSessionBatch(ctx context.Context, body []byte) (ingest.Result, error)
	IngestPeriodicSync(ctx context.Context, body []byte) (ingest.Result, error)
}

// RoomProjector serves the derived read views.
type RoomProjector interface {
	ListRooms(ctx context.Context) ([]projector.RoomListing, error)
	RoomDetail(ctx context.Context, roomID string) (projector.RoomDetail, error)
	Stats(ctx context.Context) (projector.Stats, error)
	ChatHistory(ctx context.Context, query projector.HistoryQuery) (projector.ChatHistoryPage, error)
	SessionHistory(ctx context.Context, query projector.HistoryQuery) (projector.SessionHistoryPage, error)
	BatchStatus(ctx context.Context, roomID, category, batchID string) (projector.BatchStatus, error)
}

type Dependencies struct {
	Ingestor  Ingestor
	Projector RoomProjector
	Clock     func() time.Time
	Logger    *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Ingestor == nil {
		return nil, errMissingIngestor
	}
	if deps.Projector == nil {
		return nil, errMissingProjector
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(requestLogMiddleware(logger))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		ingestor:  deps.Ingestor,
		projector: deps.Projector,
		clock:     clock,
		logger:    logger,
	}

	router.GET("/health", handler.handleHealth)

	router.POST("/sync/room", handler.handleLegacySync)
	api := router.Group("/api")
	api.POST("/room-events", handler.handleRoomEvent)
	api.POST("/chat-history", handler.handleChatHistoryBatch)
	api.POST("/session-history", handler.handleSessionHistoryBatch)
	api.POST("/periodic-sync", handler.handlePeriodicSync)

	router.GET("/rooms", handler.handleListRooms)
	router.GET("/rooms/:room_id", handler.handleRoomDetail)
	router.GET("/rooms/:room_id/chat-history", handler.handleChatHistoryPage)
	router.GET("/rooms/:room_id/session-history", handler.handleSessionHistoryPage)
	router.GET("/rooms/:room_id/batches/:category/:batch_id", handler.handleBatchStatus)
	router.GET("/stats", handler.handleStats)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	})
}

type httpHandler struct {
	ingestor  Ingestor
	projector RoomProjector
	clock     func() time.Time
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": h.clock().Unix()})
}

type ingestFunc func(ctx context.Context, body []byte) (ingest.Result, error)

func (h *httpHandler) handleLegacySync(c *gin.Context) {
	h.acceptPayload(c, h.ingestor.IngestLegacySync, false)
}

func (h *httpHandler) handleRoomEvent(c *gin.Context) {
	h.acceptPayload(c, h.ingestor.RecordRoomEvent, false)
}

func (h *httpHandler) handleChatHistoryBatch(c *gin.Context) {
	h.acceptPayload(c, h.ingestor.IngestChatBatch, true)
}

func (h *httpHandler) handleSessionHistoryBatch(c *gin.Context) {
	h.acceptPayload(c, h.ingestor.IngestSessionBatch, true)
}

func (h *httpHandler) handlePeriodicSync(c *gin.Context) {
	h.acceptPayload(c, h.ingestor.IngestPeriodicSync, false)
}

// acceptPayload hands the raw body to the ingestor so the stored raw_data keeps unknown fields.
func (h *httpHandler) acceptPayload(c *gin.Context, ingestPayload ingestFunc, batch bool) {
	body, err := c.GetRawData()
	if err != nil {
		h.logger.Warn("failed to read request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "No data provided"})
		return
	}

	result, err := ingestPayload(c.Request.Context(), body)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := gin.H{"status": statusSuccess, "message": result.Message}
	if batch {
		response["is_last_batch"] = result.IsLastBatch
		if result.BatchID != "" {
			response["batch_state"] = result.BatchState
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	rooms, err := h.projector.ListRooms(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *httpHandler) handleRoomDetail(c *gin.Context) {
	detail, err := h.projector.RoomDetail(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.projector.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleChatHistoryPage(c *gin.Context) {
	query, ok := parseHistoryQuery(c)
	if !ok {
		return
	}
	page, err := h.projector.ChatHistory(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleSessionHistoryPage(c *gin.Context) {
	query, ok := parseHistoryQuery(c)
	if !ok {
		return
	}
	page, err := h.projector.SessionHistory(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleBatchStatus(c *gin.Context) {
	status, err := h.projector.BatchStatus(c.Request.Context(), c.Param("room_id"), c.Param("category"), c.Param("batch_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// parseHistoryQuery writes a 400 response and returns false on non-numeric parameters.
func parseHistoryQuery(c *gin.Context) (projector.HistoryQuery, bool) {
	query := projector.HistoryQuery{
		RoomID: c.Param("room_id"),
		Page:   defaultHistoryPage,
		Limit:  defaultHistoryLimit,
	}

	if raw, present := c.GetQuery("page"); present {
		value, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
			return projector.HistoryQuery{}, false
		}
		query.Page = value
	}
	if raw, present := c.GetQuery("limit"); present {
		value, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return projector.HistoryQuery{}, false
		}
		query.Limit = value
	}
	for _, bound := range []struct {
		name   string
		target **int64
	}{
		{name: "from", target: &query.From},
		{name: "to", target: &query.To},
	} {
		raw, present := c.GetQuery(bound.name)
		if !present || raw == "" {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + bound.name})
			return projector.HistoryQuery{}, false
		}
		*bound.target = &value
	}
	return query, true
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, records.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, records.ErrNotFound):
		status = http.StatusNotFound
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", requestIDFrom(c)),
			zap.Error(err))
	}

	var serviceErr *records.ServiceError
	if errors.As(err, &serviceErr) {
		message := serviceErr.Code()
		if cause := serviceErr.Cause(); cause != nil {
			message = cause.Error()
		}
		c.JSON(status, gin.H{"error": message, "code": serviceErr.Code()})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
