package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/o-ats-o/ta-support-worker/internal/board"
	"go.uber.org/zap"
)

const subjectContextKey = "ta_support_subject"

const (
	diffsDefaultLimit = 50
	diffsMaxLimit     = 200
	itemsDefaultLimit = 200
	itemsMaxLimit     = 1000

	eventsHeartbeatInterval = 25 * time.Second
)

var (
	errMissingBoardService   = errors.New("board service dependency required")
	errMissingMappingService = errors.New("mapping service dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks operator bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer to the domain services.
type Dependencies struct {
	Boards   *board.Service
	Mappings *board.MappingService
	Tokens   TokenValidator
	Events   *SyncEventDispatcher
	Logger   *zap.Logger
}

// NewHTTPHandler assembles the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Boards == nil {
		return nil, errMissingBoardService
	}
	if deps.Mappings == nil {
		return nil, errMissingMappingService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	events := deps.Events
	if events == nil {
		events = NewSyncEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		boards:   deps.Boards,
		mappings: deps.Mappings,
		tokens:   deps.Tokens,
		events:   events,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api/board")
	api.GET("/diffs", handler.handleListDiffs)
	api.GET("/items", handler.handleListItems)
	api.GET("/activity", handler.handleActivity)
	api.GET("/events", handler.handleEvents)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSync)

	return router, nil
}

type httpHandler struct {
	boards   *board.Service
	mappings *board.MappingService
	tokens   TokenValidator
	events   *SyncEventDispatcher
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type syncRequestPayload struct {
	GroupID string   `json:"group_id"`
	BoardID string   `json:"board_id"`
	Types   []string `json:"types"`
}

type syncCountsPayload struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	boardID, ok := h.resolveBoard(c, request.GroupID, request.BoardID)
	if !ok {
		return
	}

	// Registering the mapping is best effort: a failed upsert must not abort
	// the sync it was triggered with.
	if request.GroupID != "" && request.BoardID != "" {
		if groupID, err := board.NewGroupID(request.GroupID); err == nil {
			if err := h.mappings.Upsert(c.Request.Context(), groupID, boardID); err != nil {
				h.logger.Warn("board mapping upsert failed",
					zap.String("group_id", request.GroupID),
					zap.String("board_id", boardID.String()),
					zap.Error(err))
			}
		}
	}

	diff, err := h.boards.Sync(c.Request.Context(), boardID, request.Types)
	if err != nil {
		h.renderSyncError(c, boardID, err)
		return
	}

	h.events.PublishDiff(diff)

	c.JSON(http.StatusOK, gin.H{
		"board_id": diff.BoardID,
		"diff_at":  diff.DiffAt,
		"run_id":   diff.RunID,
		"counts": syncCountsPayload{
			Added:   len(diff.Added),
			Updated: len(diff.Updated),
			Deleted: len(diff.Deleted),
		},
		"added":   diff.Added,
		"updated": diff.Updated,
		"deleted": diff.Deleted,
	})
}

func (h *httpHandler) renderSyncError(c *gin.Context, boardID board.BoardID, err error) {
	var fetchErr *board.FetchError
	switch {
	case errors.Is(err, board.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
	case errors.As(err, &fetchErr):
		h.logger.Error("board fetch failed",
			zap.String("board_id", boardID.String()),
			zap.Int("status", fetchErr.StatusCode),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":           "fetch_failed",
			"upstream_status": fetchErr.StatusCode,
		})
	default:
		h.logger.Error("board sync failed",
			zap.String("board_id", boardID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
	}
}

func (h *httpHandler) handleListDiffs(c *gin.Context) {
	boardID, ok := h.resolveBoard(c, c.Query("group_id"), c.Query("board_id"))
	if !ok {
		return
	}

	since, ok := parseTimeParam(c, "since")
	if !ok {
		return
	}
	until, ok := parseTimeParam(c, "until")
	if !ok {
		return
	}

	query := board.DiffQuery{
		Since:  since,
		Until:  until,
		Limit:  clampedIntQuery(c, "limit", diffsDefaultLimit, diffsMaxLimit),
		Offset: offsetQuery(c),
	}

	diffs, err := h.boards.ListDiffs(c.Request.Context(), boardID, query)
	if err != nil {
		h.logger.Error("diff history query failed", zap.String("board_id", boardID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, diffs)
}

func (h *httpHandler) handleListItems(c *gin.Context) {
	boardID, ok := h.resolveBoard(c, c.Query("group_id"), c.Query("board_id"))
	if !ok {
		return
	}

	includeDeleted := strings.EqualFold(c.Query("include_deleted"), "true")
	limit := clampedIntQuery(c, "limit", itemsDefaultLimit, itemsMaxLimit)
	offset := offsetQuery(c)

	items, err := h.boards.ListItems(c.Request.Context(), boardID, includeDeleted, limit, offset)
	if err != nil {
		h.logger.Error("item listing query failed", zap.String("board_id", boardID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *httpHandler) handleActivity(c *gin.Context) {
	boardID, ok := h.resolveBoard(c, c.Query("group_id"), c.Query("board_id"))
	if !ok {
		return
	}

	since, ok := parseTimeParam(c, "since")
	if !ok {
		return
	}
	until, ok := parseTimeParam(c, "until")
	if !ok {
		return
	}

	counts, err := h.boards.Activity(c.Request.Context(), boardID, since, until)
	if err != nil {
		h.logger.Error("activity query failed", zap.String("board_id", boardID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	boardID, ok := h.resolveBoard(c, c.Query("group_id"), c.Query("board_id"))
	if !ok {
		return
	}

	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")

	stream, cancel := h.events.Subscribe(c.Request.Context(), boardID.String())
	defer cancel()

	heartbeat := time.NewTicker(eventsHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(SyncEventName, event)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"now": board.FormatTimestamp(time.Now())})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// resolveBoard yields the target board from an explicit board id or, failing
// that, the group mapping. It writes the error response itself.
func (h *httpHandler) resolveBoard(c *gin.Context, rawGroupID, rawBoardID string) (board.BoardID, bool) {
	if strings.TrimSpace(rawBoardID) != "" {
		boardID, err := board.NewBoardID(rawBoardID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board_id"})
			return "", false
		}
		return boardID, true
	}

	groupID, err := board.NewGroupID(rawGroupID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group_id_or_board_id_required"})
		return "", false
	}

	boardID, err := h.mappings.Resolve(c.Request.Context(), groupID)
	if errors.Is(err, board.ErrMappingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "mapping_not_found"})
		return "", false
	}
	if err != nil {
		h.logger.Error("board mapping resolve failed", zap.String("group_id", groupID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mapping_resolve_failed"})
		return "", false
	}
	return boardID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func clampedIntQuery(c *gin.Context, name string, fallback, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func offsetQuery(c *gin.Context) int {
	raw := c.Query("offset")
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

// parseTimeParam accepts an optional RFC3339 query parameter and writes the
// error response on malformed input.
func parseTimeParam(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return nil, false
	}
	return &parsed, true
}
