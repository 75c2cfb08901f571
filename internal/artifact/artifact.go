// Package artifact classifies inputs and turns extraction output into the
// core-file mapping returned to callers.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// FileType is the coarse input category.
type FileType string

const (
	TypePDF    FileType = "pdf"
	TypeImage  FileType = "image"
	TypeOffice FileType = "office"
)

var ErrUnsupportedType = errors.New("unsupported file type")

var extensions = map[string]FileType{
	".pdf":  TypePDF,
	".jpg":  TypeImage,
	".jpeg": TypeImage,
	".png":  TypeImage,
	".doc":  TypeOffice,
	".docx": TypeOffice,
	".ppt":  TypeOffice,
	".pptx": TypeOffice,
	".xls":  TypeOffice,
	".xlsx": TypeOffice,
}

// Classify maps a file name to its type by extension, case-insensitively.
func Classify(name string) (FileType, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensions[ext]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
}

// SupportedExtensions lists every accepted extension in sorted order.
func SupportedExtensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

var (
	coreExtensions = map[string]bool{".md": true, ".txt": true, ".json": true}
	nonCoreDirs    = map[string]bool{"images": true, "layout": true, "intermediate": true}
)

// IsCoreFile reports whether relPath is returned to the caller: a markdown,
// text or JSON file outside the images, layout and intermediate directories.
func IsCoreFile(relPath string) bool {
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if nonCoreDirs[part] {
			return false
		}
	}
	return coreExtensions[strings.ToLower(filepath.Ext(relPath))]
}

// keyPatterns is checked in order; the first substring match wins.
var keyPatterns = []struct {
	pattern string
	key     string
}{
	{"_content_list.json", "content_list.json"},
	{"_middle.json", "middle.json"},
	{"_model_output.txt", "model_output.txt"},
	{"_model.json", "model.json"},
	{".md", "result.md"},
}

// NormalizeKey maps a raw output path to its canonical key. Paths matching no
// pattern keep their base name.
func NormalizeKey(raw string) string {
	for _, p := range keyPatterns {
		if strings.Contains(raw, p.pattern) {
			return p.key
		}
	}
	return filepath.Base(raw)
}

// NormalizeCoreFiles rewrites every key with NormalizeKey. Applying it to an
// already normalized mapping returns the same mapping.
func NormalizeCoreFiles(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	// Sorted so collisions resolve the same way on every run.
	sort.Strings(keys)
	for _, k := range keys {
		out[NormalizeKey(k)] = raw[k]
	}
	return out
}

// Uploader stores a local file and returns a shareable URL.
type Uploader interface {
	Upload(ctx context.Context, requestID uuid.UUID, localPath, prefix string) (string, error)
}

// CollectCoreFiles uploads every core file under dir below prefix and returns
// the normalized mapping.
func CollectCoreFiles(ctx context.Context, up Uploader, requestID uuid.UUID, dir, prefix string) (map[string]string, error) {
	raw := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if !IsCoreFile(rel) {
			return nil
		}
		objectPrefix := prefix
		if sub := filepath.Dir(rel); sub != "." {
			objectPrefix = filepath.ToSlash(filepath.Join(prefix, sub))
		}
		url, err := up.Upload(ctx, requestID, path, objectPrefix)
		if err != nil {
			return fmt.Errorf("uploading %s: %w", rel, err)
		}
		raw[filepath.ToSlash(rel)] = url
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NormalizeCoreFiles(raw), nil
}
