package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/sessionkit"
)

// ClientConfig contains the values the activity client reads at startup.
type ClientConfig struct {
	ActivityEndpoint string
	LoginPath        string
	ThrottleInterval time.Duration
	Signals          []sessionkit.Signal
}

// ServeClientConfig emits a script that freezes the config into window.__DASHBOARD_SESSION_CONFIG.
func ServeClientConfig(contextGin *gin.Context, configuration ClientConfig) {
	signals := make([]string, 0, len(configuration.Signals))
	for _, signal := range configuration.Signals {
		signals = append(signals, string(signal))
	}
	payload := struct {
		ActivityEndpoint   string   `json:"activityEndpoint"`
		LoginPath          string   `json:"loginPath"`
		ThrottleIntervalMs int64    `json:"throttleIntervalMs"`
		Signals            []string `json:"signals"`
	}{
		ActivityEndpoint:   configuration.ActivityEndpoint,
		LoginPath:          configuration.LoginPath,
		ThrottleIntervalMs: configuration.ThrottleInterval.Milliseconds(),
		Signals:            signals,
	}
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "web.client_config.encode_failed",
		})
		return
	}

	script := fmt.Sprintf(`(function(){window.__DASHBOARD_SESSION_CONFIG=Object.freeze(%s);})();`, string(encoded))
	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
}
