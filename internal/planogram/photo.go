package planogram

import (
	"bytes"
	"image"
	"io"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"

	"github.com/sells-group/planogram-cli/internal/model"
)

// LoadPhoto reads the shelf photograph, applies EXIF orientation, and
// downscales it so its longest side is at most maxDim pixels (0 keeps the
// original size). The result is JPEG-encoded for upload to vision models.
func LoadPhoto(path string, maxDim int) (model.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return model.Image{}, eris.Wrapf(err, "planogram: open photo %s", path)
	}
	return encodePhoto(img, filepath.Base(path), maxDim)
}

// DecodePhoto is LoadPhoto for an already opened stream.
func DecodePhoto(r io.Reader, name string, maxDim int) (model.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return model.Image{}, eris.Wrapf(err, "planogram: decode photo %s", name)
	}
	return encodePhoto(img, name, maxDim)
}

func encodePhoto(img image.Image, name string, maxDim int) (model.Image, error) {
	if maxDim > 0 {
		b := img.Bounds()
		if b.Dx() > maxDim || b.Dy() > maxDim {
			img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(88)); err != nil {
		return model.Image{}, eris.Wrap(err, "planogram: encode photo")
	}
	return model.Image{
		Name:      name,
		MediaType: "image/jpeg",
		Data:      buf.Bytes(),
	}, nil
}
