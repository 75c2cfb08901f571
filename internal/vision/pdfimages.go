package vision

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// PageImage is one embedded image. Page and Index are 1-based; Index counts
// images within the page in document order.
type PageImage struct {
	Page     int
	Index    int
	Data     []byte
	MimeType string
	Hash     string
}

// PDFImageExtractor pulls embedded images out of a PDF with poppler's pdfimages.
type PDFImageExtractor struct {
	binary string
}

func NewPDFImageExtractor(binary string) *PDFImageExtractor {
	if binary == "" {
		binary = "pdfimages"
	}
	return &PDFImageExtractor{binary: binary}
}

// Available reports whether the binary can be found.
func (x *PDFImageExtractor) Available() error {
	_, err := exec.LookPath(x.binary)
	return err
}

// pdfimages -p names files <root>-<page>-<serial>.<ext>.
var imageName = regexp.MustCompile(`^img-(\d+)-(\d+)\.(png|jpg|jpeg)$`)

// Extract writes the images of pdfPath into workDir and returns them ordered by
// page and position, skipping any whose bytes were already seen.
func (x *PDFImageExtractor) Extract(ctx context.Context, pdfPath, workDir string) ([]PageImage, error) {
	dir := filepath.Join(workDir, "pdf_images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating image dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, x.binary, "-png", "-p", pdfPath, filepath.Join(dir, "img"))
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdfimages: %v: %s", err, strings.TrimSpace(string(out)))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading image dir: %w", err)
	}

	type found struct {
		page, serial int
		name, ext    string
	}
	var files []found
	for _, e := range entries {
		m := imageName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		page, _ := strconv.Atoi(m[1])
		serial, _ := strconv.Atoi(m[2])
		files = append(files, found{page: page, serial: serial, name: e.Name(), ext: m[3]})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].page != files[j].page {
			return files[i].page < files[j].page
		}
		return files[i].serial < files[j].serial
	})

	seen := make(map[string]bool)
	perPage := make(map[int]int)
	var images []PageImage
	for _, f := range files {
		perPage[f.page]++
		data, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.name, err)
		}
		sum := md5.Sum(data)
		hash := hex.EncodeToString(sum[:])
		if seen[hash] {
			slog.Debug("duplicate pdf image skipped", "page", f.page, "index", perPage[f.page])
			continue
		}
		seen[hash] = true

		mimeType := "image/png"
		if f.ext != "png" {
			mimeType = "image/jpeg"
		}
		images = append(images, PageImage{
			Page:     f.page,
			Index:    perPage[f.page],
			Data:     data,
			MimeType: mimeType,
			Hash:     hash,
		})
	}

	slog.Info("pdf images extracted", "pdf", filepath.Base(pdfPath), "found", len(files), "unique", len(images))
	return images, nil
}
