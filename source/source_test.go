package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/segment"
)

type fakeS3 struct {
	bucket, key string
	data        []byte
	err         error
}

func (f *fakeS3) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	f.bucket, f.key = bucket, key
	return f.data, f.err
}

func newLoader(opts ...Option) *Loader {
	l := New(opts...)
	l.log = logger.Nop()
	return l
}

func TestLoadLocalFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(p, []byte("Patient Jane Doe has fever."), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, uri := range []string{p, "file://" + p} {
		doc, err := newLoader().Load(context.Background(), uri)
		if err != nil {
			t.Fatalf("Load(%q): %v", uri, err)
		}
		if doc.Name != "note.txt" || doc.ContentType != segment.TypeText || string(doc.Data) != "Patient Jane Doe has fever." {
			t.Errorf("Load(%q) = %+v", uri, doc)
		}
	}
}

func TestLoadS3(t *testing.T) {
	f := &fakeS3{data: []byte("%PDF-1.4 ...")}
	doc, err := newLoader(WithS3(f)).Load(context.Background(), "s3://records/2024/visit")
	if err != nil {
		t.Fatal(err)
	}
	if f.bucket != "records" || f.key != "2024/visit" {
		t.Errorf("fetched %s/%s", f.bucket, f.key)
	}
	if doc.Name != "visit" || doc.ContentType != segment.TypePDF {
		t.Errorf("doc = %+v", doc)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		loader *Loader
		uri    string
		want   error
	}{
		{"scheme", newLoader(), "ftp://host/file.pdf", ErrUnsupportedScheme},
		{"no s3", newLoader(), "s3://bucket/key.pdf", ErrNoS3},
		{"missing file", newLoader(), filepath.Join(t.TempDir(), "absent.pdf"), os.ErrNotExist},
		{"s3 failure", newLoader(WithS3(&fakeS3{err: errors.New("denied")})), "s3://bucket/key.pdf", nil},
		{"too large", newLoader(WithS3(&fakeS3{data: make([]byte, 10)}), WithMaxBytes(5)), "s3://bucket/key.txt", ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.loader.Load(context.Background(), tt.uri)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadS3NeedsKey(t *testing.T) {
	if _, err := newLoader(WithS3(&fakeS3{})).Load(context.Background(), "s3://bucket"); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"scan.PDF", "", segment.TypePDF},
		{"notes.md", "", "text/markdown"},
		{"labs.xlsx", "", segment.TypeXLSX},
		{"upload", "%PDF-1.7\n", segment.TypePDF},
		{"upload", "PK\x03\x04....xl/workbook.xml", segment.TypeXLSX},
		{"referral.docx", "", segment.TypeDOCX},
		{"upload", "PK\x03\x04....word/document.xml", segment.TypeDOCX},
		{"upload", "plain words here", segment.TypeText},
		{"upload", "\x89PNG\r\n\x1a\n", "image/png"},
	}
	for _, tt := range tests {
		if got := DetectContentType(tt.name, []byte(tt.data)); got != tt.want {
			t.Errorf("DetectContentType(%q, %q) = %q, want %q", tt.name, tt.data, got, tt.want)
		}
	}
}
