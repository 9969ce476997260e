package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/syncstore/internal/ics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var advisoryUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type advisoryCommandPayload struct {
	Action   string   `json:"action"`
	Keys     []string `json:"keys,omitempty"`
	SyncID   uint32   `json:"sync_id,omitempty"`
	ChangeID uint32   `json:"change_id,omitempty"`
}

type advisoryNotificationPayload struct {
	SyncID   uint32 `json:"sync_id"`
	ChangeID uint32 `json:"change_id"`
}

// handleAdvisoryStream upgrades to a websocket and pushes {sync_id, change_id}
// notifications for the caller's advised folders. The initial key set comes
// from the `keys` query parameter (comma-separated hex source keys); the
// client may add, remove, and confirm over the socket.
func (h *httpHandler) handleAdvisoryStream(c *gin.Context) {
	caller := h.requestCaller(c)

	initialKeys, err := parseSourceKeyList(c.Query("keys"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_keys"})
		return
	}

	conn, err := advisoryUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("advisory upgrade failed", zap.Error(err))
		return
	}

	advisor, err := ics.NewChangeAdvisor(ics.ChangeAdvisorConfig{
		Service: h.service,
		Bus:     h.bus,
		Caller:  caller,
		Logger:  h.logger,
	})
	if err != nil {
		h.logger.Error("advisor construction failed", zap.Error(err))
		conn.Close()
		return
	}

	if err := advisor.AddKeys(c.Request.Context(), initialKeys); err != nil {
		h.logger.Warn("advisory key registration failed", zap.Error(err))
		advisor.Close()
		conn.Close()
		return
	}

	go h.pumpAdvisoryNotifications(conn, advisor)
	h.consumeAdvisoryCommands(c, conn, advisor)
}

func (h *httpHandler) pumpAdvisoryNotifications(conn *websocket.Conn, advisor *ics.ChangeAdvisor) {
	for notification := range advisor.Notifications() {
		payload := advisoryNotificationPayload{
			SyncID:   uint32(notification.SyncID),
			ChangeID: uint32(notification.ChangeID),
		}
		if err := conn.WriteJSON(payload); err != nil {
			h.logger.Debug("advisory write failed", zap.Error(err))
			advisor.Close()
			conn.Close()
			return
		}
	}
	conn.Close()
}

func (h *httpHandler) consumeAdvisoryCommands(c *gin.Context, conn *websocket.Conn, advisor *ics.ChangeAdvisor) {
	defer advisor.Close()
	for {
		var command advisoryCommandPayload
		if err := conn.ReadJSON(&command); err != nil {
			return
		}
		switch strings.ToLower(strings.TrimSpace(command.Action)) {
		case "add":
			keys, err := parseSourceKeys(command.Keys)
			if err != nil {
				continue
			}
			if err := advisor.AddKeys(c.Request.Context(), keys); err != nil {
				h.logger.Warn("advisory key registration failed", zap.Error(err))
				return
			}
		case "remove":
			keys, err := parseSourceKeys(command.Keys)
			if err != nil {
				continue
			}
			advisor.RemoveKeys(keys)
		case "confirm":
			advisor.UpdateSyncState(ics.SyncID(command.SyncID), ics.ChangeID(command.ChangeID))
		}
	}
}

func parseSourceKeyList(raw string) ([]ics.SourceKey, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseSourceKeys(strings.Split(raw, ","))
}

func parseSourceKeys(encoded []string) ([]ics.SourceKey, error) {
	keys := make([]ics.SourceKey, 0, len(encoded))
	for _, raw := range encoded {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, err := ics.ParseSourceKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
