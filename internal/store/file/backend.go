// Package file stores sent problems and received payloads as JSON files.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bissquit/problem-relay/internal/domain"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
	ext      = ".json"

	suffixMark = '~'
	suffixLen  = 16
)

// Backend keeps one {displayName}.json file per sent problem in Dir.
type Backend struct {
	dir string
}

// NewBackend creates a file backend rooted at dir. The directory is created on first write.
func NewBackend(dir string) *Backend {
	return &Backend{dir: dir}
}

// Path returns the file that holds the record for displayName.
func (b *Backend) Path(displayName string) string {
	return filepath.Join(b.dir, SanitizeName(displayName)+ext)
}

// LoadAll reads every *.json file in the directory. Unreadable or corrupt
// files are logged and skipped. A missing directory yields no problems.
func (b *Backend) LoadAll(ctx context.Context) ([]domain.Problem, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []domain.Problem{}, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", b.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	problems := make([]domain.Problem, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(b.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable sent problem", "path", path, "error", err)
			continue
		}

		var p domain.Problem
		if err := json.Unmarshal(data, &p); err != nil {
			slog.Warn("skipping corrupt sent problem", "path", path, "error", err)
			continue
		}
		problems = append(problems, p)
	}

	return problems, nil
}

// Save writes problem atomically, replacing any previous record for its display name.
func (b *Backend) Save(_ context.Context, problem domain.Problem) error {
	if problem.DisplayName == "" {
		return errors.New("problem has no display name")
	}

	data, err := json.Marshal(problem)
	if err != nil {
		return fmt.Errorf("marshal problem: %w", err)
	}

	if err := os.MkdirAll(b.dir, dirPerm); err != nil {
		return fmt.Errorf("create dir %s: %w", b.dir, err)
	}

	if err := writeFileAtomic(b.Path(problem.DisplayName), data, filePerm); err != nil {
		return fmt.Errorf("write %s: %w", problem.DisplayName, err)
	}
	return nil
}

// SanitizeName maps name to a file name. Safe names are kept as is. A name
// that had unsafe characters replaced with '_', or that contains the '~'
// marker, gets a "~" suffix with a hash of the original so distinct names
// never share a file.
func SanitizeName(name string) string {
	return sanitize(name, name, false)
}

func sanitize(name, identity string, forceSuffix bool) string {
	changed := forceSuffix || strings.ContainsRune(name, suffixMark)

	var b strings.Builder
	b.Grow(len(name) + 1 + suffixLen)
	for i, r := range name {
		switch {
		case r < 0x20, r == 0x7f, r == utf8.RuneError:
			b.WriteByte('_')
			changed = true
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteByte('_')
			changed = true
		case i == 0 && r == '.':
			b.WriteByte('_')
			changed = true
		default:
			b.WriteRune(r)
		}
	}
	if name == "" {
		b.WriteByte('_')
		changed = true
	}

	if changed {
		sum := sha256.Sum256([]byte(identity))
		b.WriteRune(suffixMark)
		b.WriteString(hex.EncodeToString(sum[:])[:suffixLen])
	}
	return b.String()
}
