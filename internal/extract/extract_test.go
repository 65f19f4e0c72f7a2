package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"invoice-approval/internal/model"
)

type fakeOCR struct{ text string }

func (f fakeOCR) Text(ctx context.Context, image []byte) (string, error) { return f.text, nil }

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestExtract_DOCX(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>INVOICE</w:t></w:r><w:r><w:t xml:space="preserve"> #42</w:t></w:r></w:p>
    <w:p><w:r><w:t>Total:</w:t><w:tab/><w:t>100 EUR</w:t></w:r></w:p>
  </w:body>
</w:document>`
	text, err := New(nil).Extract(context.Background(), buildDOCX(t, doc), "Invoice.DOCX")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "INVOICE #42\nTotal:\t100 EUR" {
		t.Fatalf("text = %q", text)
	}
}

func TestExtract_TextAndImages(t *testing.T) {
	e := New(fakeOCR{text: "  scanned total 100  "})
	ctx := context.Background()

	if got, err := e.Extract(ctx, []byte("plain invoice\n"), "a.txt"); err != nil || got != "plain invoice" {
		t.Fatalf("txt: %q, %v", got, err)
	}
	for _, name := range []string{"scan.png", "scan.JPG", "scan.jpeg"} {
		if got, err := e.Extract(ctx, []byte{0x89, 'P', 'N', 'G'}, name); err != nil || got != "scanned total 100" {
			t.Fatalf("%s: %q, %v", name, got, err)
		}
	}
}

func TestExtract_Rejects(t *testing.T) {
	e := New(nil)
	ctx := context.Background()

	_, err := e.Extract(ctx, []byte("x"), "macro.xlsm")
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("unsupported type: err = %v, want ValidationError", err)
	}
	if !strings.Contains(ve.Message, "docx, pdf, txt") {
		t.Fatalf("message should list allowed types: %q", ve.Message)
	}

	if _, err := e.Extract(ctx, []byte("x"), "scan.png"); !errors.As(err, &ve) {
		t.Fatal("images need an OCR engine")
	}
	if _, err := e.Extract(ctx, []byte("   \n"), "empty.txt"); !errors.Is(err, ErrNoText) {
		t.Fatalf("empty: err = %v, want ErrNoText", err)
	}
	if _, err := e.Extract(ctx, []byte("not a pdf"), "broken.pdf"); err == nil {
		t.Fatal("expected error for broken pdf")
	}
	if _, err := e.Extract(ctx, []byte("not a zip"), "broken.docx"); err == nil {
		t.Fatal("expected error for broken docx")
	}
}

func TestExt(t *testing.T) {
	cases := map[string]string{"a.PDF": "pdf", "b.tar.gz": "gz", "noext": "", ".txt": "txt"}
	for in, want := range cases {
		if got := Ext(in); got != want {
			t.Errorf("Ext(%q) = %q, want %q", in, got, want)
		}
	}
}
