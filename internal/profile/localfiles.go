package profile

import (
	"bytes"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
)

// FileRemotePrefix namespaces tracked files under the remote root so they
// never collide with the snapshot file.
const FileRemotePrefix = "files"

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".ico": true, ".webp": true, ".woff": true, ".woff2": true,
}

// FileSet resolves the configured tracked-file patterns against a base
// directory and reads/writes the matched files.
type FileSet struct {
	fs       afero.Fs
	baseDir  string
	patterns []string
}

func NewFileSet(fs afero.Fs, baseDir string, patterns []string) *FileSet {
	return &FileSet{fs: fs, baseDir: baseDir, patterns: patterns}
}

// Resolve expands the glob patterns into relative file paths, sorted and
// de-duplicated. Patterns that match nothing are not an error.
func (f *FileSet) Resolve() ([]string, error) {
	iofs := afero.NewIOFS(afero.NewBasePathFs(f.fs, f.baseDir))
	seen := make(map[string]bool)
	for _, pattern := range f.patterns {
		pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "/")
		matches, err := doublestar.Glob(iofs, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := f.fs.Stat(filepath.Join(f.baseDir, m))
			if err != nil || info.IsDir() {
				continue
			}
			seen[m] = true
		}
	}
	out := make([]string, 0, len(seen))
	for rel := range seen {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

// Entry reads one tracked file into a ChangeSetEntry, picking base64
// transfer for content that is not valid text.
func (f *FileSet) Entry(rel string) (backend.ChangeSetEntry, error) {
	content, err := afero.ReadFile(f.fs, filepath.Join(f.baseDir, rel))
	if err != nil {
		return backend.ChangeSetEntry{}, fmt.Errorf("read tracked file %q: %w", rel, err)
	}
	return backend.ChangeSetEntry{
		RemotePath: RemotePath(rel),
		Content:    content,
		Encoding:   encodingFor(rel, content),
	}, nil
}

// Write puts downloaded content back at the file's local path, creating
// parent directories as needed.
func (f *FileSet) Write(rel string, content []byte) error {
	local := filepath.Join(f.baseDir, rel)
	if err := f.fs.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("create dir for %q: %w", rel, err)
	}
	if err := afero.WriteFile(f.fs, local, content, 0o600); err != nil {
		return fmt.Errorf("write tracked file %q: %w", rel, err)
	}
	return nil
}

// RemotePath maps a relative local path to its remote location.
func RemotePath(rel string) string {
	return path.Join(FileRemotePrefix, filepath.ToSlash(rel))
}

// IsBinary reports whether rel must travel on the binary fetch path.
func IsBinary(rel string) bool {
	return binaryExtensions[strings.ToLower(path.Ext(filepath.ToSlash(rel)))]
}

func encodingFor(rel string, content []byte) backend.Encoding {
	if IsBinary(rel) || !utf8.Valid(content) {
		return backend.EncodingBase64
	}
	return backend.EncodingRaw
}

// ValidateContent sanity-checks downloaded content for formats with a
// known signature. A failure is fatal for that single file only.
func ValidateContent(rel string, content []byte) error {
	if strings.ToLower(path.Ext(rel)) == ".png" && !bytes.HasPrefix(content, pngMagic) {
		return fmt.Errorf("file %q: content does not look like a png", rel)
	}
	return nil
}
