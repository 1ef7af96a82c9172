// Package segment splits a document into independently extractable units:
// one per PDF page or spreadsheet sheet, or a single unit for plain text and
// Word documents.
package segment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"mime"
	"strings"
)

var (
	// ErrUnsupported is returned for content types no splitter handles.
	ErrUnsupported = errors.New("segment: unsupported content type")

	// ErrEmpty is returned when a document has nothing to extract from.
	ErrEmpty = errors.New("segment: document is empty")
)

// Content types with built-in splitters.
const (
	TypeText = "text/plain"
	TypePDF  = "application/pdf"
	TypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Unit is one extraction target. Index is 0 for a whole text document and
// 1-based for pages and sheets. A unit owns its payload: Text for text units,
// Image plus MIMEType for rendered pages. Err is set when the unit itself
// could not be produced; other units are unaffected.
type Unit struct {
	Index    int
	Label    string
	Text     string
	Image    []byte
	MIMEType string
	Err      error
}

// IsImage reports whether the unit carries a rendered page.
func (u Unit) IsImage() bool { return len(u.Image) > 0 }

// Units is a finite, lazily produced sequence of units.
type Units struct {
	n   int
	get func(i int) Unit
}

func newUnits(n int, get func(i int) Unit) *Units {
	return &Units{n: n, get: get}
}

// FromUnits wraps already-built units.
func FromUnits(units ...Unit) *Units {
	return newUnits(len(units), func(i int) Unit { return units[i] })
}

// Len is the number of units.
func (u *Units) Len() int { return u.n }

// All yields each unit in order. Units are built on demand.
func (u *Units) All() iter.Seq[Unit] {
	return func(yield func(Unit) bool) {
		for i := 0; i < u.n; i++ {
			if !yield(u.get(i)) {
				return
			}
		}
	}
}

// Splitter turns one document format into units.
type Splitter interface {
	Split(ctx context.Context, data []byte) (*Units, error)
	ContentTypes() []string
}

// Segmenter routes documents to a Splitter by content type.
type Segmenter struct {
	splitters map[string]Splitter
}

// Option configures a Segmenter.
type Option func(*options)

type options struct {
	pdfMode    PDFMode
	rasterizer Rasterizer
}

// WithPDFMode selects image or native-text handling of PDFs.
func WithPDFMode(m PDFMode) Option {
	return func(o *options) { o.pdfMode = m }
}

// WithRasterizer replaces the pdftoppm rasterizer.
func WithRasterizer(r Rasterizer) Option {
	return func(o *options) { o.rasterizer = r }
}

// New creates a Segmenter with the built-in splitters.
func New(opts ...Option) *Segmenter {
	o := options{pdfMode: PDFImage}
	for _, fn := range opts {
		fn(&o)
	}
	if o.rasterizer == nil {
		o.rasterizer = &Poppler{}
	}

	s := &Segmenter{splitters: make(map[string]Splitter)}
	for _, sp := range []Splitter{
		&TextSplitter{},
		&PDFSplitter{Mode: o.pdfMode, Rasterizer: o.rasterizer},
		&XLSXSplitter{},
		&DOCXSplitter{},
	} {
		s.Register(sp)
	}
	return s
}

// Register adds or replaces the splitter for each of its content types.
func (s *Segmenter) Register(sp Splitter) {
	for _, ct := range sp.ContentTypes() {
		s.splitters[ct] = sp
	}
}

// Segment splits data. Failure here is document-level: either every unit
// can be produced lazily or none is.
func (s *Segmenter) Segment(ctx context.Context, contentType string, data []byte) (*Units, error) {
	ct := normalizeContentType(contentType)
	sp, ok := s.splitters[ct]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, contentType)
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	return sp.Split(ctx, data)
}

func normalizeContentType(ct string) string {
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// TextSplitter yields the whole document as unit 0.
type TextSplitter struct{}

func (t *TextSplitter) ContentTypes() []string { return []string{TypeText, "text/markdown"} }

func (t *TextSplitter) Split(ctx context.Context, data []byte) (*Units, error) {
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmpty
	}
	return newUnits(1, func(int) Unit {
		return Unit{Index: 0, Text: text}
	}), nil
}
