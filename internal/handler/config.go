package handler

import (
	"net/http"

	"github.com/disasterwatch/internal/config"
)

// ConfigHandler отдаёт публичные параметры конфигурации для клиентов.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetClientConfig возвращает endpoint и клиентские параметры (без авторизации):
// адрес подключения, флаг long-poll fallback, настройки reconnect и батчинга.
func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":        h.cfg.PublicEndpoint,
		"longPollEnabled": h.cfg.LongPollEnabled,
		"reconnect":       h.cfg.Reconnect,
		"batch":           h.cfg.Batch,
	})
}
