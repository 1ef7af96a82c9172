// Package source loads document bytes from the local filesystem or S3 and
// works out their content type.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/segment"
)

var (
	// ErrUnsupportedScheme is returned for URIs other than file paths and s3://.
	ErrUnsupportedScheme = errors.New("source: unsupported scheme")
	// ErrNoS3 is returned for s3:// URIs when no S3 client is configured.
	ErrNoS3 = errors.New("source: s3 not configured")
	// ErrTooLarge is returned when a document exceeds the size limit.
	ErrTooLarge = errors.New("source: document too large")
)

// DefaultMaxBytes caps a single document.
const DefaultMaxBytes = 64 << 20

// Document is a loaded input.
type Document struct {
	URI         string
	Name        string
	ContentType string
	Data        []byte
}

// Fetcher downloads an object.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// Loader resolves URIs to documents.
type Loader struct {
	s3       Fetcher
	maxBytes int64
	log      zerolog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithS3 enables s3:// URIs.
func WithS3(f Fetcher) Option {
	return func(l *Loader) { l.s3 = f }
}

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

func New(opts ...Option) *Loader {
	l := &Loader{maxBytes: DefaultMaxBytes, log: logger.NewLogger("source")}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads uri. A bare path or file:// URI reads from disk; s3://bucket/key
// downloads through the configured Fetcher.
func (l *Loader) Load(ctx context.Context, uri string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	scheme, rest := splitScheme(uri)

	var (
		name string
		data []byte
		err  error
	)
	switch scheme {
	case "", "file":
		name = filepath.Base(rest)
		data, err = l.readFile(rest)
	case "s3":
		if l.s3 == nil {
			return Document{}, ErrNoS3
		}
		bucket, key, perr := parseS3(uri)
		if perr != nil {
			return Document{}, perr
		}
		name = path.Base(key)
		data, err = l.s3.Fetch(ctx, bucket, key)
	default:
		return Document{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	if err != nil {
		return Document{}, fmt.Errorf("source: load %s: %w", uri, err)
	}
	if int64(len(data)) > l.maxBytes {
		return Document{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, uri, len(data))
	}

	doc := Document{URI: uri, Name: name, ContentType: DetectContentType(name, data), Data: data}
	l.log.Debug().Str("uri", uri).Str("content_type", doc.ContentType).Int("bytes", len(data)).Msg("loaded document")
	return doc, nil
}

func (l *Loader) readFile(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.Size() > l.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	return os.ReadFile(p)
}

func splitScheme(uri string) (string, string) {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return "", uri
	}
	return strings.ToLower(uri[:i]), uri[i+3:]
}

func parseS3(uri string) (string, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("source: parse %q: %w", uri, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("source: %q needs a bucket and a key", uri)
	}
	return u.Host, key, nil
}

var extensionTypes = map[string]string{
	".pdf":      segment.TypePDF,
	".txt":      segment.TypeText,
	".text":     segment.TypeText,
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".xlsx":     segment.TypeXLSX,
	".docx":     segment.TypeDOCX,
}

// DetectContentType picks a content type from the file extension and falls
// back to sniffing the bytes.
func DetectContentType(name string, data []byte) string {
	if ct, ok := extensionTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return segment.TypePDF
	case bytes.HasPrefix(data, []byte("PK\x03\x04")) && bytes.Contains(data, []byte("xl/workbook.xml")):
		return segment.TypeXLSX
	case bytes.HasPrefix(data, []byte("PK\x03\x04")) && bytes.Contains(data, []byte("word/document.xml")):
		return segment.TypeDOCX
	}
	ct := http.DetectContentType(data)
	if strings.HasPrefix(ct, "text/plain") {
		return segment.TypeText
	}
	return ct
}
