package server

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/syncstore/internal/auth"
	"github.com/MarcoPoloResearchLab/syncstore/internal/ics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const callerContextKey = "syncstore_caller"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingSyncService   = errors.New("sync service dependency required")
	errMissingEventBus      = errors.New("event bus dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	TokenManager *auth.TokenManager
	SyncService  *ics.Service
	Bus          *ics.EventBus
	Logger       *zap.Logger
}

// NewHTTPHandler assembles the gin router over the synchronization core.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Bus == nil {
		return nil, errMissingEventBus
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
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
		tokens:  deps.TokenManager,
		service: deps.SyncService,
		bus:     deps.Bus,
		logger:  logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/state", handler.handleSyncState)
	protected.GET("/sync/states", handler.handleListSyncStates)
	protected.POST("/sync/changes", handler.handleSyncChanges)
	protected.POST("/changes", handler.handleRecordChange)
	protected.POST("/import/change", handler.handleImportChange)
	protected.POST("/import/deletion", handler.handleImportDeletion)
	protected.GET("/advisory/stream", handler.handleAdvisoryStream)

	return router, nil
}

type httpHandler struct {
	tokens  *auth.TokenManager
	service *ics.Service
	bus     *ics.EventBus
	logger  *zap.Logger
}

type tokenRequestPayload struct {
	UserID     string `json:"user_id"`
	CompanyID  uint32 `json:"company_id"`
	AdminLevel int    `json:"admin_level"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(ics.Caller{
		UserID:     request.UserID,
		CompanyID:  request.CompanyID,
		AdminLevel: request.AdminLevel,
	})
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type syncStateRequestPayload struct {
	SyncID    uint32 `json:"sync_id"`
	TargetKey string `json:"target_key"`
	Kind      string `json:"kind"`
}

type syncStatePayload struct {
	SyncID   uint32 `json:"sync_id"`
	ChangeID uint32 `json:"change_id"`
}

func (h *httpHandler) handleSyncState(c *gin.Context) {
	caller := h.requestCaller(c)

	var request syncStateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := parseSyncKind(request.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	targetKey, err := parseOptionalSourceKey(request.TargetKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target_key"})
		return
	}

	state, err := h.service.GetOrCreateSubscription(c.Request.Context(), caller, ics.SyncID(request.SyncID), targetKey, kind)
	if err != nil {
		h.respondServiceError(c, "sync state lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, syncStatePayload{SyncID: uint32(state.SyncID), ChangeID: uint32(state.ChangeID)})
}

func (h *httpHandler) handleListSyncStates(c *gin.Context) {
	rawIDs := strings.Split(c.Query("ids"), ",")
	syncIDs := make([]ics.SyncID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sync_id"})
			return
		}
		syncIDs = append(syncIDs, ics.SyncID(parsed))
	}

	states, err := h.service.ListSyncStates(c.Request.Context(), syncIDs)
	if err != nil {
		h.respondServiceError(c, "sync state list failed", err)
		return
	}

	response := make([]syncStatePayload, 0, len(states))
	for _, state := range states {
		response = append(response, syncStatePayload{SyncID: uint32(state.SyncID), ChangeID: uint32(state.ChangeID)})
	}
	c.JSON(http.StatusOK, gin.H{"states": response})
}

type syncChangesRequestPayload struct {
	SyncID    uint32 `json:"sync_id"`
	TargetKey string `json:"target_key"`
	ChangeID  uint32 `json:"change_id"`
	Kind      string `json:"kind"`
	Flags     uint32 `json:"flags"`
}

type changePayload struct {
	ChangeID        uint32 `json:"change_id"`
	SourceKey       string `json:"source_key"`
	ParentSourceKey string `json:"parent_source_key"`
	ChangeType      uint32 `json:"change_type"`
	Flags           uint32 `json:"flags"`
}

type syncChangesResponsePayload struct {
	Changes     []changePayload `json:"changes"`
	MaxChangeID uint32          `json:"max_change_id"`
}

func (h *httpHandler) handleSyncChanges(c *gin.Context) {
	caller := h.requestCaller(c)

	var request syncChangesRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := parseSyncKind(request.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	targetKey, err := parseOptionalSourceKey(request.TargetKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target_key"})
		return
	}

	batch, err := h.service.GetChanges(c.Request.Context(), caller, ics.ChangeQuery{
		SyncID:    ics.SyncID(request.SyncID),
		TargetKey: targetKey,
		ChangeID:  ics.ChangeID(request.ChangeID),
		Kind:      kind,
		Flags:     request.Flags,
	})
	if err != nil {
		h.respondServiceError(c, "differential query failed", err)
		return
	}

	response := syncChangesResponsePayload{
		Changes:     make([]changePayload, 0, len(batch.Changes)),
		MaxChangeID: uint32(batch.MaxChangeID),
	}
	for _, change := range batch.Changes {
		response.Changes = append(response.Changes, changePayload{
			ChangeID:        uint32(change.ChangeID),
			SourceKey:       change.SourceKey.String(),
			ParentSourceKey: change.ParentSourceKey.String(),
			ChangeType:      uint32(change.ChangeType),
			Flags:           change.Flags,
		})
	}
	c.JSON(http.StatusOK, response)
}

type recordChangeRequestPayload struct {
	WriterSyncID      uint32 `json:"writer_sync_id"`
	SourceKey         string `json:"source_key"`
	ParentSourceKey   string `json:"parent_source_key"`
	ChangeType        uint32 `json:"change_type"`
	Flags             uint32 `json:"flags"`
	ForceNewChangeKey bool   `json:"force_new_change_key"`
}

type recordChangeResponsePayload struct {
	ChangeID              uint32 `json:"change_id"`
	Logged                bool   `json:"logged"`
	ChangeKey             string `json:"change_key,omitempty"`
	PredecessorChangeList string `json:"predecessor_change_list,omitempty"`
}

func (h *httpHandler) handleRecordChange(c *gin.Context) {
	var request recordChangeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	sourceKey, err := ics.ParseSourceKey(request.SourceKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_source_key"})
		return
	}
	parentKey, err := ics.ParseSourceKey(request.ParentSourceKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parent_source_key"})
		return
	}

	result, err := h.service.RecordChange(c.Request.Context(), ics.RecordChangeRequest{
		WriterSyncID:      ics.SyncID(request.WriterSyncID),
		SourceKey:         sourceKey,
		ParentSourceKey:   parentKey,
		ChangeType:        ics.ChangeType(request.ChangeType),
		Flags:             request.Flags,
		ForceNewChangeKey: request.ForceNewChangeKey,
	})
	if err != nil {
		h.respondServiceError(c, "change record failed", err)
		return
	}

	c.JSON(http.StatusOK, recordChangeResponsePayload{
		ChangeID:              uint32(result.ChangeID),
		Logged:                result.Logged,
		ChangeKey:             hex.EncodeToString(result.ChangeKey),
		PredecessorChangeList: hex.EncodeToString(result.PredecessorChangeList),
	})
}

type importChangeRequestPayload struct {
	SyncID  uint32                `json:"sync_id"`
	Message *messageImportPayload `json:"message,omitempty"`
	Folder  *folderImportPayload  `json:"folder,omitempty"`
}

type messageImportPayload struct {
	SourceKey             string `json:"source_key"`
	ParentSourceKey       string `json:"parent_source_key"`
	Associated            bool   `json:"associated"`
	ReadFlag              bool   `json:"read_flag"`
	PayloadJSON           string `json:"payload_json"`
	UpdatedAtSeconds      int64  `json:"updated_at_s"`
	ChangeKey             string `json:"change_key,omitempty"`
	PredecessorChangeList string `json:"predecessor_change_list,omitempty"`
}

type folderImportPayload struct {
	SourceKey             string `json:"source_key"`
	ParentSourceKey       string `json:"parent_source_key"`
	DisplayName           string `json:"display_name"`
	IsSearchFolder        bool   `json:"is_search_folder"`
	ChangeKey             string `json:"change_key,omitempty"`
	PredecessorChangeList string `json:"predecessor_change_list,omitempty"`
}

type importOutcomePayload struct {
	Status   string `json:"status"`
	Conflict bool   `json:"conflict"`
	ChangeID uint32 `json:"change_id"`
}

func (h *httpHandler) handleImportChange(c *gin.Context) {
	caller := h.requestCaller(c)

	var request importChangeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if (request.Message == nil) == (request.Folder == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly_one_of_message_or_folder"})
		return
	}

	session, err := h.service.NewImportSession(ics.ImportSessionConfig{
		Caller: caller,
		SyncID: ics.SyncID(request.SyncID),
		Logger: h.logger,
	})
	if err != nil {
		h.respondServiceError(c, "import session failed", err)
		return
	}

	var outcome ics.ImportOutcome
	if request.Message != nil {
		change, err := decodeMessageImport(*request.Message)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_import"})
			return
		}
		outcome, err = session.ImportMessageChange(c.Request.Context(), change)
		if err != nil {
			h.respondServiceError(c, "message import failed", err)
			return
		}
	} else {
		change, err := decodeFolderImport(*request.Folder)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_import"})
			return
		}
		outcome, err = session.ImportFolderChange(c.Request.Context(), change)
		if err != nil {
			h.respondServiceError(c, "folder import failed", err)
			return
		}
	}

	c.JSON(http.StatusOK, importOutcomePayload{
		Status:   importStatusName(outcome.Status),
		Conflict: outcome.Conflict,
		ChangeID: uint32(outcome.ChangeID),
	})
}

type importDeletionRequestPayload struct {
	SyncID     uint32   `json:"sync_id"`
	Class      string   `json:"class"`
	Soft       bool     `json:"soft"`
	SourceKeys []string `json:"source_keys"`
}

func (h *httpHandler) handleImportDeletion(c *gin.Context) {
	caller := h.requestCaller(c)

	var request importDeletionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.SourceKeys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var class uint32
	switch strings.ToLower(strings.TrimSpace(request.Class)) {
	case "message":
		class = ics.ChangeClassMessage
	case "folder":
		class = ics.ChangeClassFolder
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_class"})
		return
	}

	keys := make([]ics.SourceKey, 0, len(request.SourceKeys))
	for _, raw := range request.SourceKeys {
		key, err := ics.ParseSourceKey(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_source_key"})
			return
		}
		keys = append(keys, key)
	}

	session, err := h.service.NewImportSession(ics.ImportSessionConfig{
		Caller: caller,
		SyncID: ics.SyncID(request.SyncID),
		Logger: h.logger,
	})
	if err != nil {
		h.respondServiceError(c, "import session failed", err)
		return
	}

	applied, err := session.ImportDeletion(c.Request.Context(), class, request.Soft, keys)
	if err != nil {
		h.respondServiceError(c, "deletion import failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
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
	caller, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(callerContextKey, caller)
	c.Next()
}

func (h *httpHandler) requestCaller(c *gin.Context) ics.Caller {
	value, exists := c.Get(callerContextKey)
	if !exists {
		return ics.Caller{}
	}
	caller, ok := value.(ics.Caller)
	if !ok {
		return ics.Caller{}
	}
	return caller
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ics.ErrInvalidArgument), errors.Is(err, ics.ErrTypeMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, ics.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ics.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, ics.ErrTransportFailure):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Warn(message, zap.Error(err))
	}

	code := "internal_error"
	var serviceErr *ics.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	c.JSON(status, gin.H{"error": code})
}

func parseSyncKind(value string) (ics.SyncKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "contents":
		return ics.SyncKindContents, nil
	case "hierarchy":
		return ics.SyncKindHierarchy, nil
	case "directory":
		return ics.SyncKindDirectory, nil
	default:
		return 0, errors.New("unknown sync kind")
	}
}

// parseOptionalSourceKey accepts an empty key for directory syncs, which have
// no folder target; the registry substitutes its pseudo key and rejects empty
// targets for the other kinds.
func parseOptionalSourceKey(value string) (ics.SourceKey, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return ics.ParseSourceKey(value)
}

func decodeMessageImport(payload messageImportPayload) (ics.MessageImport, error) {
	sourceKey, err := ics.ParseSourceKey(payload.SourceKey)
	if err != nil {
		return ics.MessageImport{}, err
	}
	parentKey, err := ics.ParseSourceKey(payload.ParentSourceKey)
	if err != nil {
		return ics.MessageImport{}, err
	}
	changeKey, err := decodeOptionalHex(payload.ChangeKey)
	if err != nil {
		return ics.MessageImport{}, err
	}
	pcl, err := decodeOptionalHex(payload.PredecessorChangeList)
	if err != nil {
		return ics.MessageImport{}, err
	}
	return ics.MessageImport{
		SourceKey:             sourceKey,
		ParentSourceKey:       parentKey,
		Associated:            payload.Associated,
		ReadFlag:              payload.ReadFlag,
		PayloadJSON:           payload.PayloadJSON,
		UpdatedAt:             payload.UpdatedAtSeconds,
		ChangeKey:             changeKey,
		PredecessorChangeList: pcl,
	}, nil
}

func decodeFolderImport(payload folderImportPayload) (ics.FolderImport, error) {
	sourceKey, err := ics.ParseSourceKey(payload.SourceKey)
	if err != nil {
		return ics.FolderImport{}, err
	}
	parentKey, err := ics.ParseSourceKey(payload.ParentSourceKey)
	if err != nil {
		return ics.FolderImport{}, err
	}
	changeKey, err := decodeOptionalHex(payload.ChangeKey)
	if err != nil {
		return ics.FolderImport{}, err
	}
	pcl, err := decodeOptionalHex(payload.PredecessorChangeList)
	if err != nil {
		return ics.FolderImport{}, err
	}
	return ics.FolderImport{
		SourceKey:             sourceKey,
		ParentSourceKey:       parentKey,
		DisplayName:           payload.DisplayName,
		IsSearchFolder:        payload.IsSearchFolder,
		ChangeKey:             changeKey,
		PredecessorChangeList: pcl,
	}, nil
}

func decodeOptionalHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	return hex.DecodeString(value)
}

func importStatusName(status ics.ImportStatus) string {
	switch status {
	case ics.ImportAlreadyApplied:
		return "already_applied"
	case ics.ImportIgnored:
		return "ignored"
	default:
		return "applied"
	}
}
