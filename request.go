package render

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Validation bounds that are fixed by the API contract.
const (
	maxGoogleFonts = 20
	minDimension   = 1
	maxDimension   = 4096
	minScale       = 0.5
	maxScale       = 4.0
	minTimeoutMs   = 100
	maxTimeoutMs   = 60000
)

// Defaults applied to omitted request fields.
const (
	defaultWidth      = 1200
	defaultHeight     = 800
	defaultScale      = 1.0
	defaultFormat     = "png"
	defaultQuality    = 90
	defaultTimeoutMs  = 5000
	defaultBackground = "white"
)

// Limits bounds the size of user-supplied markup, set from Config.
type Limits struct {
	MaxHTMLBytes int
	MaxCSSBytes  int
}

// Request is one validated render request. It is never mutated after
// ParseRequest returns it.
type Request struct {
	HTML              string
	CSS               string
	GoogleFonts       []string
	Width             int
	Height            int
	DeviceScaleFactor float64
	Format            string
	Quality           int
	FullPage          bool
	TimeoutMs         int
	Background        string
}

// UseGoogleFonts reports whether font injection (and the fonts domain
// whitelist) is active for this request.
func (r *Request) UseGoogleFonts() bool {
	return len(r.GoogleFonts) > 0
}

// Timeout returns the per-render deadline as a duration.
func (r *Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// ContentType returns the MIME type matching the requested format.
func (r *Request) ContentType() string {
	switch r.Format {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// Fingerprint returns a stable hash over every render-affecting field,
// used as the result cache key.
func (r *Request) Fingerprint() string {
	payload, _ := json.Marshal(r)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// rawRequest mirrors the JSON body with pointer fields so that omitted and
// present-but-wrong-typed fields are distinguishable.
type rawRequest struct {
	HTML              *string  `json:"html"`
	CSS               *string  `json:"css"`
	GoogleFonts       []string `json:"googleFonts"`
	Width             *int     `json:"width"`
	Height            *int     `json:"height"`
	DeviceScaleFactor *float64 `json:"deviceScaleFactor"`
	Format            *string  `json:"format"`
	Quality           *int     `json:"quality"`
	FullPage          *bool    `json:"fullPage"`
	TimeoutMs         *int     `json:"timeoutMs"`
	Background        *string  `json:"background"`
}

// fieldCodes maps JSON field names to the error code reported when the
// field carries a value of the wrong type.
var fieldCodes = map[string]string{
	"html":              CodeMissingHTML,
	"css":               CodeInvalidCSS,
	"googleFonts":       CodeInvalidGoogleFonts,
	"width":             CodeInvalidWidth,
	"height":            CodeInvalidHeight,
	"deviceScaleFactor": CodeInvalidScale,
	"format":            CodeInvalidFormat,
	"quality":           CodeInvalidQuality,
	"fullPage":          CodeInvalidFullPage,
	"timeoutMs":         CodeInvalidTimeout,
	"background":        CodeInvalidBackground,
}

// ParseRequest validates an untyped JSON body into an immutable Request,
// or reports exactly one typed validation error.
func ParseRequest(body []byte, limits Limits) (*Request, *Error) {
	var raw rawRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return nil, decodeError(err)
	}

	req := &Request{
		Width:             defaultWidth,
		Height:            defaultHeight,
		DeviceScaleFactor: defaultScale,
		Format:            defaultFormat,
		Quality:           defaultQuality,
		TimeoutMs:         defaultTimeoutMs,
		Background:        defaultBackground,
	}

	if raw.HTML == nil || *raw.HTML == "" {
		return nil, newError(CodeMissingHTML, "html is required")
	}
	if limits.MaxHTMLBytes > 0 && len(*raw.HTML) > limits.MaxHTMLBytes {
		return nil, newError(CodeHTMLTooLarge, fmt.Sprintf("html exceeds %d bytes", limits.MaxHTMLBytes))
	}
	req.HTML = *raw.HTML

	if raw.CSS != nil {
		if limits.MaxCSSBytes > 0 && len(*raw.CSS) > limits.MaxCSSBytes {
			return nil, newError(CodeCSSTooLarge, fmt.Sprintf("css exceeds %d bytes", limits.MaxCSSBytes))
		}
		req.CSS = *raw.CSS
	}

	if len(raw.GoogleFonts) > maxGoogleFonts {
		return nil, newError(CodeTooManyFonts, fmt.Sprintf("at most %d google fonts are allowed", maxGoogleFonts))
	}
	for _, font := range raw.GoogleFonts {
		if strings.TrimSpace(font) == "" {
			return nil, newError(CodeInvalidFont, "font entries must be non-empty")
		}
		if strings.ContainsFunc(font, func(r rune) bool { return unicode.IsControl(r) }) {
			return nil, newError(CodeInvalidFont, "font entries must not contain control characters")
		}
	}
	req.GoogleFonts = append([]string(nil), raw.GoogleFonts...)

	if raw.Width != nil {
		if *raw.Width < minDimension || *raw.Width > maxDimension {
			return nil, newError(CodeInvalidWidth, fmt.Sprintf("width must be between %d and %d", minDimension, maxDimension))
		}
		req.Width = *raw.Width
	}
	if raw.Height != nil {
		if *raw.Height < minDimension || *raw.Height > maxDimension {
			return nil, newError(CodeInvalidHeight, fmt.Sprintf("height must be between %d and %d", minDimension, maxDimension))
		}
		req.Height = *raw.Height
	}
	if raw.DeviceScaleFactor != nil {
		if *raw.DeviceScaleFactor < minScale || *raw.DeviceScaleFactor > maxScale {
			return nil, newError(CodeInvalidScale, fmt.Sprintf("deviceScaleFactor must be between %g and %g", minScale, maxScale))
		}
		req.DeviceScaleFactor = *raw.DeviceScaleFactor
	}
	if raw.Format != nil {
		switch *raw.Format {
		case "png", "jpeg", "webp":
			req.Format = *raw.Format
		default:
			return nil, newError(CodeInvalidFormat, "format must be png, jpeg or webp")
		}
	}
	if raw.Quality != nil {
		if *raw.Quality < 0 || *raw.Quality > 100 {
			return nil, newError(CodeInvalidQuality, "quality must be between 0 and 100")
		}
		req.Quality = *raw.Quality
	}
	if raw.FullPage != nil {
		req.FullPage = *raw.FullPage
	}
	if raw.TimeoutMs != nil {
		if *raw.TimeoutMs < minTimeoutMs || *raw.TimeoutMs > maxTimeoutMs {
			return nil, newError(CodeInvalidTimeout, fmt.Sprintf("timeoutMs must be between %d and %d", minTimeoutMs, maxTimeoutMs))
		}
		req.TimeoutMs = *raw.TimeoutMs
	}
	if raw.Background != nil {
		switch *raw.Background {
		case "transparent", "white":
			req.Background = *raw.Background
		default:
			return nil, newError(CodeInvalidBackground, "background must be transparent or white")
		}
	}

	return req, nil
}

// decodeError maps a json decoding failure to the matching typed error.
func decodeError(err error) *Error {
	var typeErr *json.UnmarshalTypeError
	if asErr, ok := err.(*json.UnmarshalTypeError); ok {
		typeErr = asErr
	}
	if typeErr != nil {
		field := typeErr.Field
		// Nested paths like "googleFonts[2]" report the top-level field.
		if i := strings.IndexAny(field, ".["); i >= 0 {
			field = field[:i]
		}
		if code, ok := fieldCodes[field]; ok {
			return newError(code, fmt.Sprintf("%s has the wrong type", field))
		}
		return newError(CodeInvalidBody, "request body must be a JSON object")
	}
	return newError(CodeInvalidJSON, "request body is not valid JSON")
}
