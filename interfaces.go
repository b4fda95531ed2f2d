package render

import "time"

// AuthResult is the validated contract returned by the external auth/quota
// collaborator. The render service trusts it completely and never
// re-derives quota logic.
type AuthResult struct {
	Authenticated  bool
	APIKey         string
	UsageThisMonth int64

	// Set when Authenticated is false.
	Status  int    // HTTP status to relay (401/403/429)
	Code    string // collaborator error code (MISSING_KEY, INVALID_KEY, ...)
	Message string
}

// AuthProvider validates an Authorization header against the external
// auth/quota service.
type AuthProvider interface {
	Check(authorization string) AuthResult
}

// RenderRecord describes one finished render for the analytics
// collaborator.
type RenderRecord struct {
	ImageID    string
	APIKey     string
	Format     string
	Width      int
	Height     int
	FullPage   bool
	Succeeded  bool
	ErrorCode  string
	Stats      Stats
	FinishedAt time.Time
}

// Recorder persists render outcomes. Calls are fire-and-forget: failures
// must never affect the response.
type Recorder interface {
	Record(rec RenderRecord)
}

// AllowAllAuth authenticates every request; used when no auth collaborator
// is configured.
type AllowAllAuth struct{}

func (AllowAllAuth) Check(string) AuthResult {
	return AuthResult{Authenticated: true}
}
