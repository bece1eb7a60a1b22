package browser

import (
	"context"
	"errors"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

// ErrUnavailable is returned by Noop sessions.
var ErrUnavailable = errors.New("browser not configured")

// Noop implements consulta.Browser but never opens a session. It lets the
// service start without Chrome; every stage run then ends as a transient error.
type Noop struct{}

// NewNoop creates a new Noop browser.
func NewNoop() *Noop {
	return &Noop{}
}

// WithSession returns ErrUnavailable without calling fn.
func (Noop) WithSession(_ context.Context, _ func(context.Context, consulta.Session) error) error {
	return ErrUnavailable
}
