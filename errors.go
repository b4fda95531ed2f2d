package render

import "strings"

// Error is the machine-readable failure envelope returned by every layer.
// The code set is closed; handlers map codes to HTTP statuses.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Input error codes (HTTP 400).
const (
	CodeInvalidBody        = "INVALID_BODY"
	CodeInvalidJSON        = "INVALID_JSON"
	CodeMissingHTML        = "MISSING_HTML"
	CodeHTMLTooLarge       = "HTML_TOO_LARGE"
	CodeInvalidCSS         = "INVALID_CSS"
	CodeCSSTooLarge        = "CSS_TOO_LARGE"
	CodeInvalidGoogleFonts = "INVALID_GOOGLE_FONTS"
	CodeTooManyFonts       = "TOO_MANY_FONTS"
	CodeInvalidFont        = "INVALID_FONT"
	CodeInvalidWidth       = "INVALID_WIDTH"
	CodeInvalidHeight      = "INVALID_HEIGHT"
	CodeInvalidScale       = "INVALID_SCALE"
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeInvalidQuality     = "INVALID_QUALITY"
	CodeInvalidFullPage    = "INVALID_FULLPAGE"
	CodeInvalidTimeout     = "INVALID_TIMEOUT"
	CodeInvalidBackground  = "INVALID_BACKGROUND"
)

// Admission, render and lookup error codes.
const (
	CodeQueueFull     = "QUEUE_FULL"     // HTTP 429
	CodeRenderTimeout = "RENDER_TIMEOUT" // HTTP 500
	CodeRenderError   = "RENDER_ERROR"   // HTTP 500
	CodeNotFound      = "NOT_FOUND"      // HTTP 404
)

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// timeoutMarkers are substrings that identify a timeout failure in errors
// surfaced by chromedp or the per-render context.
var timeoutMarkers = []string{
	"context deadline exceeded",
	"deadline exceeded",
	"timed out",
	"timeout",
}

// classifyRenderErr converts any pipeline failure into the closed taxonomy.
// Timeout-indicating messages become RENDER_TIMEOUT, everything else
// (including a crashed browser process) becomes RENDER_ERROR.
func classifyRenderErr(err error) *Error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, marker := range timeoutMarkers {
		if strings.Contains(lower, marker) {
			return newError(CodeRenderTimeout, "render did not finish within the configured timeout")
		}
	}
	return newError(CodeRenderError, msg)
}
