package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"
)

// minimalPDF builds a well-formed PDF with one Helvetica text line per page.
func minimalPDF(t *testing.T, pageTexts ...string) []byte {
	t.Helper()

	n := len(pageTexts)
	// Object numbers: 1 catalog, 2 pages, 3 font, then (page, content) pairs.
	var objs []string
	kids := make([]string, n)
	for i := range pageTexts {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for i, text := range pageTexts {
		stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, body := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objs)+1)
	buf.WriteString("0000000000 65535 f\r\n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

type fakeRasterizer struct {
	calls int
	err   error
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, data []byte, pages int) ([][]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]byte, pages)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("png-%d", i+1))
	}
	return out, nil
}

func collect(u *Units) []Unit {
	var got []Unit
	for unit := range u.All() {
		got = append(got, unit)
	}
	return got
}

func TestSegmentText(t *testing.T) {
	s := New()
	units, err := s.Segment(context.Background(), "text/plain; charset=utf-8", []byte("Patient has fever."))
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	want := []Unit{{Index: 0, Text: "Patient has fever."}}
	if diff := cmp.Diff(want, collect(units)); diff != "" {
		t.Errorf("units mismatch (-want +got):\n%s", diff)
	}
}

func TestSegmentErrors(t *testing.T) {
	s := New(WithRasterizer(&fakeRasterizer{}))
	tests := []struct {
		name        string
		contentType string
		data        []byte
		want        error
	}{
		{"unsupported", "image/tiff", []byte("x"), ErrUnsupported},
		{"empty bytes", TypePDF, nil, ErrEmpty},
		{"blank text", TypeText, []byte("  \n\t"), ErrEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Segment(context.Background(), tt.contentType, tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSegmentCorruptPDFFailsFast(t *testing.T) {
	r := &fakeRasterizer{}
	s := New(WithRasterizer(r))
	_, err := s.Segment(context.Background(), TypePDF, []byte("%PDF-1.4\nthis is not a pdf"))
	if err == nil {
		t.Fatal("expected error for corrupt PDF")
	}
	if r.calls != 0 {
		t.Errorf("rasterizer called %d times for unreadable PDF", r.calls)
	}
}

func TestSegmentPDFImagePages(t *testing.T) {
	r := &fakeRasterizer{}
	s := New(WithRasterizer(r))
	units, err := s.Segment(context.Background(), TypePDF, minimalPDF(t, "one", "two", "three"))
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if units.Len() != 3 {
		t.Fatalf("Len = %d, want 3", units.Len())
	}
	got := collect(units)
	for i, u := range got {
		if u.Index != i+1 {
			t.Errorf("unit %d index = %d, want %d", i, u.Index, i+1)
		}
		if !u.IsImage() || u.MIMEType != "image/png" {
			t.Errorf("unit %d is not a png image: %+v", i, u)
		}
		if string(u.Image) != fmt.Sprintf("png-%d", i+1) {
			t.Errorf("unit %d image = %q", i, u.Image)
		}
	}
	if r.calls != 1 {
		t.Errorf("rasterizer calls = %d, want 1", r.calls)
	}
}

func TestSegmentPDFRasterizeFailure(t *testing.T) {
	s := New(WithRasterizer(&fakeRasterizer{err: errors.New("boom")}))
	_, err := s.Segment(context.Background(), TypePDF, minimalPDF(t, "one"))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want rasterize failure", err)
	}
}

func TestSegmentPDFText(t *testing.T) {
	s := New(WithPDFMode(PDFText))
	units, err := s.Segment(context.Background(), TypePDF, minimalPDF(t, "Fever noted", "Cough noted"))
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	got := collect(units)
	if len(got) != 2 {
		t.Fatalf("got %d units, want 2", len(got))
	}
	for i, want := range []string{"Fever", "Cough"} {
		if got[i].Err != nil {
			t.Fatalf("unit %d: %v", i, got[i].Err)
		}
		if got[i].Index != i+1 {
			t.Errorf("unit %d index = %d", i, got[i].Index)
		}
		if !strings.Contains(got[i].Text, want) {
			t.Errorf("unit %d text = %q, want it to contain %q", i, got[i].Text, want)
		}
	}
}

func TestUnitsStopEarly(t *testing.T) {
	built := 0
	u := newUnits(5, func(i int) Unit {
		built++
		return Unit{Index: i + 1}
	})
	for unit := range u.All() {
		if unit.Index == 2 {
			break
		}
	}
	if built != 2 {
		t.Errorf("built %d units, want 2", built)
	}
}

func TestSegmentXLSX(t *testing.T) {
	f := excelize.NewFile()
	f.SetCellValue("Sheet1", "A1", "Test")
	f.SetCellValue("Sheet1", "B1", "Result")
	f.SetCellValue("Sheet1", "A2", "HbA1c")
	f.SetCellValue("Sheet1", "B2", "6.1%")
	if _, err := f.NewSheet("Empty"); err != nil {
		t.Fatal(err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	units, err := New().Segment(context.Background(), TypeXLSX, buf.Bytes())
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	got := collect(units)
	if len(got) != 1 {
		t.Fatalf("got %d units, want 1 (empty sheet skipped)", len(got))
	}
	want := "Sheet: Sheet1\n| Test | Result |\n| HbA1c | 6.1% |\n"
	if got[0].Text != want {
		t.Errorf("text = %q, want %q", got[0].Text, want)
	}
	if got[0].Index != 1 || got[0].Label != "Sheet1" {
		t.Errorf("unit = %+v", got[0])
	}
}

func TestRegisterOverrides(t *testing.T) {
	s := New()
	s.Register(&XLSXSplitter{})
	if _, ok := s.splitters[TypeXLSX].(*XLSXSplitter); !ok {
		t.Fatal("xlsx splitter not registered")
	}
	if _, ok := s.splitters["text/markdown"]; !ok {
		t.Error("markdown not routed to text splitter")
	}
}

func TestPopplerRendersPages(t *testing.T) {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		t.Skip("pdftoppm not installed")
	}
	images, err := (&Poppler{DPI: 36, WorkDir: t.TempDir()}).Rasterize(context.Background(), minimalPDF(t, "a", "b"), 2)
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("got %d images, want 2", len(images))
	}
	for i, img := range images {
		if !bytes.HasPrefix(img, []byte("\x89PNG")) {
			t.Errorf("image %d is not a PNG", i)
		}
	}
}
