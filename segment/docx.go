package segment

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// TypeDOCX is the Word document content type.
const TypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// DOCXSplitter yields the document body as unit 0. Word files carry no
// reliable page boundaries, so the whole body is one unit, like plain text.
// Heading styles become markdown headings and tables become pipe rows, in
// document order.
type DOCXSplitter struct{}

func (d *DOCXSplitter) ContentTypes() []string { return []string{TypeDOCX} }

func (d *DOCXSplitter) Split(ctx context.Context, data []byte) (*Units, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	var body []byte
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening word/document.xml: %w", err)
		}
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading word/document.xml: %w", err)
		}
		break
	}
	if body == nil {
		return nil, fmt.Errorf("opening DOCX: word/document.xml not found")
	}

	text, err := docxText(body)
	if err != nil {
		return nil, fmt.Errorf("parsing DOCX: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmpty
	}
	return newUnits(1, func(int) Unit {
		return Unit{Index: 0, Text: text}
	}), nil
}

// docxText walks document.xml once. Paragraphs inside a table cell are
// joined into the cell; everything else becomes its own line.
func docxText(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		out        strings.Builder
		para       strings.Builder
		style      string
		inText     bool
		tableDepth int
		row        []string
		cell       strings.Builder
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				para.Reset()
				style = ""
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						style = a.Value
					}
				}
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br":
				para.WriteByte('\n')
			case "tbl":
				tableDepth++
			case "tr":
				row = row[:0]
			case "tc":
				cell.Reset()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(para.String())
				if text == "" {
					continue
				}
				if tableDepth > 0 {
					if cell.Len() > 0 {
						cell.WriteByte(' ')
					}
					cell.WriteString(text)
					continue
				}
				if level := headingLevel(style); level > 0 {
					out.WriteString(strings.Repeat("#", level) + " ")
				}
				out.WriteString(text)
				out.WriteByte('\n')
			case "tc":
				row = append(row, cell.String())
			case "tr":
				if tableDepth == 1 && len(row) > 0 {
					out.WriteString("| " + strings.Join(row, " | ") + " |\n")
				}
			case "tbl":
				tableDepth--
			}
		}
	}
	return out.String(), nil
}

// headingLevel maps Word paragraph styles such as Heading2 or Title to a
// markdown heading depth, or 0 for body text.
func headingLevel(style string) int {
	s := strings.ToLower(style)
	switch {
	case strings.HasPrefix(s, "title"):
		return 1
	case strings.HasPrefix(s, "heading"):
		n := strings.TrimSpace(strings.TrimPrefix(s, "heading"))
		if len(n) == 1 && n[0] >= '1' && n[0] <= '6' {
			return int(n[0] - '0')
		}
		return 1
	}
	return 0
}
