// Package ocr wraps Tesseract. It needs libtesseract at build time, so it
// lives apart from the extract package.
package ocr

import (
	"context"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract implements extract.OCR.
type Tesseract struct {
	Languages []string
}

func NewTesseract(languages ...string) *Tesseract {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Tesseract{Languages: languages}
}

func (t *Tesseract) Text(ctx context.Context, image []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.Languages...); err != nil {
		return "", err
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return "", err
	}
	return client.Text()
}
