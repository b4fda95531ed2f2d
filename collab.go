package render

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPAuthProvider validates Authorization headers against a remote
// auth/quota service. The wire contract matches AuthResult: the service
// answers 200 with {authenticated, apiKey, usageThisMonth} or a 4xx with
// {code, message}.
type HTTPAuthProvider struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

// NewHTTPAuthProvider creates a provider calling the given endpoint.
func NewHTTPAuthProvider(endpoint string, timeout time.Duration, log zerolog.Logger) *HTTPAuthProvider {
	return &HTTPAuthProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "auth").Logger(),
	}
}

// Check validates one Authorization header. Transport failures are treated
// as auth-service rejections, never as open access.
func (a *HTTPAuthProvider) Check(authorization string) AuthResult {
	req, err := http.NewRequest(http.MethodGet, a.endpoint, nil)
	if err != nil {
		return authUnavailable()
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn().Err(err).Msg("auth service unreachable")
		return authUnavailable()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return authUnavailable()
	}

	if resp.StatusCode == http.StatusOK {
		var ok struct {
			Authenticated  bool   `json:"authenticated"`
			APIKey         string `json:"apiKey"`
			UsageThisMonth int64  `json:"usageThisMonth"`
		}
		if err := json.Unmarshal(body, &ok); err != nil || !ok.Authenticated {
			return authUnavailable()
		}
		return AuthResult{Authenticated: true, APIKey: ok.APIKey, UsageThisMonth: ok.UsageThisMonth}
	}

	var denied struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &denied)
	if denied.Code == "" {
		denied.Code = "INVALID_KEY"
		denied.Message = "authorization rejected"
	}
	status := resp.StatusCode
	if status != http.StatusUnauthorized && status != http.StatusForbidden && status != http.StatusTooManyRequests {
		status = http.StatusUnauthorized
	}
	return AuthResult{Status: status, Code: denied.Code, Message: denied.Message}
}

func authUnavailable() AuthResult {
	return AuthResult{
		Status:  http.StatusUnauthorized,
		Code:    "INVALID_KEY",
		Message: "authorization could not be verified",
	}
}

// LogRecorder is the default analytics collaborator: it writes one
// structured log line per finished render.
type LogRecorder struct {
	log zerolog.Logger
}

// NewLogRecorder creates a recorder logging through the given logger.
func NewLogRecorder(log zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: log.With().Str("component", "recorder").Logger()}
}

func (r *LogRecorder) Record(rec RenderRecord) {
	evt := r.log.Info()
	if !rec.Succeeded {
		evt = r.log.Warn().Str("error_code", rec.ErrorCode)
	}
	evt.
		Str("image_id", rec.ImageID).
		Str("api_key", maskKey(rec.APIKey)).
		Str("format", rec.Format).
		Int("width", rec.Width).
		Int("height", rec.Height).
		Bool("full_page", rec.FullPage).
		Int64("queue_wait_ms", rec.Stats.QueueWaitMs).
		Int64("render_ms", rec.Stats.RenderMs).
		Int64("screenshot_ms", rec.Stats.ScreenshotMs).
		Int64("bytes_downloaded", rec.Stats.BytesDownloaded).
		Int64("blocked_requests", rec.Stats.BlockedRequests).
		Msg("render recorded")
}

// maskKey keeps only a short key prefix in logs.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..."
}
