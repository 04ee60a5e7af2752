// Package fetcher downloads shelf photographs referenced by URL.
package fetcher

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planogram-cli/internal/resilience"
)

// Photo is a downloaded photograph before decoding.
type Photo struct {
	URL         string
	ContentType string
	Data        []byte
}

// Fetcher downloads photographs.
type Fetcher interface {
	FetchPhoto(ctx context.Context, url string) (*Photo, error)
}

// ErrPhotoTooLarge is returned when a photo body exceeds the byte cap.
var ErrPhotoTooLarge = eris.New("photo too large")

// ErrNotAnImage is returned when the server answers with a non-image body,
// typically an HTML error or login page.
var ErrNotAnImage = eris.New("not an image")

// StatusError is a non-200 response. Rate limits and server errors are
// transient; everything else is permanent.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// Transient reports whether the request is worth repeating.
func (e *StatusError) Transient() bool {
	return resilience.IsTransientHTTPStatus(e.StatusCode)
}
