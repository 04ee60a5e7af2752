package fetcher

import (
	"bytes"
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/planogram"
)

// PhotoLoader resolves an image reference to a preprocessed photograph.
// References with an http or https scheme are downloaded; anything else
// is read from the local filesystem.
type PhotoLoader struct {
	Fetcher Fetcher
	MaxDim  int
}

// IsRemote reports whether ref names a downloadable photograph.
func IsRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Load returns the photograph named by ref.
func (l *PhotoLoader) Load(ctx context.Context, ref string) (model.Image, error) {
	if !IsRemote(ref) {
		return planogram.LoadPhoto(ref, l.MaxDim)
	}
	if l.Fetcher == nil {
		return model.Image{}, eris.Errorf("fetcher: no fetcher for %s", ref)
	}

	photo, err := l.Fetcher.FetchPhoto(ctx, ref)
	if err != nil {
		return model.Image{}, err
	}
	return planogram.DecodePhoto(bytes.NewReader(photo.Data), photoName(ref), l.MaxDim)
}

func photoName(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "photo.jpg"
	}
	return path.Base(u.Path)
}
