package segment

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFMode selects how PDF pages become units.
type PDFMode string

const (
	// PDFImage renders each page to PNG for a vision model. Works for
	// scanned documents.
	PDFImage PDFMode = "image"
	// PDFText sends the page's embedded text. Cheaper, but yields nothing
	// for scans.
	PDFText PDFMode = "text"
)

// PDFSplitter produces one unit per page, numbered from 1.
type PDFSplitter struct {
	Mode       PDFMode
	Rasterizer Rasterizer
}

func (p *PDFSplitter) ContentTypes() []string { return []string{TypePDF} }

func (p *PDFSplitter) Split(ctx context.Context, data []byte) (*Units, error) {
	reader, err := openPDF(data)
	if err != nil {
		return nil, err
	}
	pages := reader.NumPage()
	if pages == 0 {
		return nil, ErrEmpty
	}

	if p.Mode == PDFText {
		return newUnits(pages, func(i int) Unit {
			n := i + 1
			text, err := pageText(reader, n)
			return Unit{Index: n, Text: text, Err: err}
		}), nil
	}

	// Every page is rendered before any unit is handed out, so a document
	// that poppler cannot read fails here rather than page by page.
	images, err := p.Rasterizer.Rasterize(ctx, data, pages)
	if err != nil {
		return nil, fmt.Errorf("rasterizing PDF: %w", err)
	}
	if len(images) != pages {
		return nil, fmt.Errorf("rasterizing PDF: got %d images for %d pages", len(images), pages)
	}
	return newUnits(pages, func(i int) Unit {
		return Unit{Index: i + 1, Image: images[i], MIMEType: "image/png"}
	}), nil
}

// openPDF parses the cross-reference table. The pdf package panics on some
// malformed inputs; those become errors.
func openPDF(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("opening PDF: %v", rec)
		}
	}()
	r, err = pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	return r, nil
}

func pageText(reader *pdf.Reader, n int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("page %d: %v", n, rec)
		}
	}()
	page := reader.Page(n)
	if page.V.IsNull() {
		return "", fmt.Errorf("page %d: missing page object", n)
	}
	text, err = page.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("page %d: %w", n, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("page %d: %w", n, ErrEmpty)
	}
	return text, nil
}
