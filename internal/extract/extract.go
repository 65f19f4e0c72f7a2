// Package extract turns uploaded documents into plain text.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"invoice-approval/internal/model"
)

var ErrNoText = errors.New("no text could be extracted")

// OCR reads text out of an image.
type OCR interface {
	Text(ctx context.Context, image []byte) (string, error)
}

type extractFunc func(ctx context.Context, content []byte) (string, error)

// Extractor dispatches on the file extension.
type Extractor struct {
	byExt map[string]extractFunc
}

// New returns an extractor for pdf, docx and txt, plus png/jpg/jpeg when
// ocr is not nil.
func New(ocr OCR) *Extractor {
	e := &Extractor{byExt: map[string]extractFunc{
		"pdf":  fromPDF,
		"docx": fromDOCX,
		"txt":  fromText,
	}}
	if ocr != nil {
		for _, ext := range []string{"png", "jpg", "jpeg"} {
			e.byExt[ext] = ocr.Text
		}
	}
	return e
}

// Supported lists accepted extensions, sorted.
func (e *Extractor) Supported() []string {
	out := make([]string, 0, len(e.byExt))
	for ext := range e.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Ext returns the lower-case extension of filename without the dot.
func Ext(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// CheckFilename reports a ValidationError for unsupported file types.
func (e *Extractor) CheckFilename(filename string) error {
	if _, ok := e.byExt[Ext(filename)]; !ok {
		return &model.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("unsupported file type %q, allowed: %s", Ext(filename), strings.Join(e.Supported(), ", ")),
		}
	}
	return nil
}

func (e *Extractor) Extract(ctx context.Context, content []byte, filename string) (string, error) {
	if err := e.CheckFilename(filename); err != nil {
		return "", err
	}
	text, err := e.byExt[Ext(filename)](ctx, content)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filename, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("extract %s: %w", filename, ErrNoText)
	}
	return text, nil
}

func fromText(_ context.Context, content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", errors.New("text file is not valid UTF-8")
	}
	return string(content), nil
}

func fromPDF(_ context.Context, content []byte) (text string, err error) {
	// the pdf reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
