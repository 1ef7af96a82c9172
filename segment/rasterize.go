package segment

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Rasterizer renders every page of a PDF to PNG bytes, in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, pages int) ([][]byte, error)
}

// Poppler renders pages with the pdftoppm binary from poppler-utils.
type Poppler struct {
	Path    string // defaults to "pdftoppm"
	DPI     int    // defaults to 150
	WorkDir string // parent for temp dirs; defaults to os.TempDir()
}

var pageFileRe = regexp.MustCompile(`^page-(\d+)\.png$`)

func (p *Poppler) Rasterize(ctx context.Context, data []byte, pages int) ([][]byte, error) {
	bin := p.Path
	if bin == "" {
		bin = "pdftoppm"
	}
	dpi := p.DPI
	if dpi <= 0 {
		dpi = 150
	}

	dir, err := os.MkdirTemp(p.WorkDir, "clinicalfacts-pages-")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing PDF: %w", err)
	}

	args := []string{"-r", strconv.Itoa(dpi), "-png", "-f", "1", "-l", strconv.Itoa(pages), src, filepath.Join(dir, "page")}
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w; out=%s", err, string(out))
	}

	paths, err := pageFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images produced by pdftoppm; out=%s", string(out))
	}

	images := make([][]byte, 0, len(paths))
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading page image: %w", err)
		}
		images = append(images, b)
	}
	return images, nil
}

// pageFiles lists page-N.png outputs ordered by N. pdftoppm zero-pads N to
// the width of the page count, so lexical order is not enough.
func pageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type page struct {
		n    int
		path string
	}
	var found []page
	for _, e := range entries {
		m := pageFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		found = append(found, page{n: n, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}
