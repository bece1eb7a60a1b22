package consulta

import (
	"context"
	"io"
	"time"
)

// JobStore is the authoritative table of job records. Implementations must
// serialize mutations so that status, result and timestamps change together.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, jobID string) (Job, error)
	// Update applies mutate to the stored job under the store's exclusive section
	// and returns the updated copy. If mutate returns an error nothing is written.
	Update(ctx context.Context, jobID string, mutate func(*Job) error) (Job, error)
	List(ctx context.Context) ([]Job, error)
	Delete(ctx context.Context, jobID string) error
}

// BlobStore writes and reads page snapshots.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes terminal job results to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Session is one browser execution context. Every method blocks until the step
// finishes, the step timeout elapses, or ctx ends.
type Session interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	SelectOption(ctx context.Context, selector string, value string) error
	Type(ctx context.Context, selector string, text string) error
	Evaluate(ctx context.Context, script string) error
	Click(ctx context.Context, selector string) error
	WaitNavigation(ctx context.Context, timeout time.Duration) error
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
}

// Browser acquires sessions. WithSession must tear the session down on every
// exit path of fn, including panics.
type Browser interface {
	WithSession(ctx context.Context, fn func(ctx context.Context, s Session) error) error
}

// Extractor turns result page markup into fields. An empty map means no data.
type Extractor interface {
	Extract(markup string) (Fields, error)
}

// Challenge is a CAPTCHA to solve. Action is set for challenge-with-action
// (reCAPTCHA v3) and empty for the plain challenge (reCAPTCHA v2).
type Challenge struct {
	SiteKey string
	PageURL string
	Action  string
}

// CaptchaSolver returns a token for a challenge or fails.
type CaptchaSolver interface {
	Solve(ctx context.Context, challenge Challenge) (string, error)
}

// Hasher computes content digests for snapshots.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Sleeper pauses for a duration or until ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}
