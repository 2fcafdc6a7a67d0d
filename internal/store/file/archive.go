package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Archive writes every received webhook payload to {problemID}-{state}.json.
// A redelivery of the same pair overwrites the previous file.
type Archive struct {
	dir string
}

// NewArchive creates an archive rooted at dir.
func NewArchive(dir string) *Archive {
	return &Archive{dir: dir}
}

// Path returns the archive file for the given delivery. The name is split at
// its last '-', so a state containing '-' forces the hashed suffix.
func (a *Archive) Path(problemID, state string) string {
	name := sanitize(problemID+"-"+state, problemID+"\x00"+state, strings.ContainsRune(state, '-'))
	return filepath.Join(a.dir, name+ext)
}

// SavePayload stores raw exactly as received.
func (a *Archive) SavePayload(_ context.Context, problemID, state string, raw []byte) error {
	if err := os.MkdirAll(a.dir, dirPerm); err != nil {
		return fmt.Errorf("create dir %s: %w", a.dir, err)
	}
	if err := writeFileAtomic(a.Path(problemID, state), raw, filePerm); err != nil {
		return fmt.Errorf("archive payload %s-%s: %w", problemID, state, err)
	}
	return nil
}
