// Package citations preserves visual artifacts extracted from manuals:
// bytes land in a content-addressed directory, each artifact becomes a
// VisualCitation, and confidence-scored links tie citations to the
// canonical entities that survived deduplication.
package citations

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/qsrgraph/qsrgraph/common"
)

// Store writes citation bytes under content/<citation_id>.<ext>.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, common.Wrap(common.KindInternal, "creating content directory", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the on-disk location for a citation artifact.
func (s *Store) Path(citationID, ext string) string {
	return filepath.Join(s.dir, citationID+"."+ext)
}

// Put writes the artifact bytes and returns the path and SHA-256 hex hash.
// Writes go through a temp file and rename so a crash never leaves a
// half-written artifact at the final path.
func (s *Store) Put(citationID, ext string, data []byte) (string, string, error) {
	path := s.Path(citationID, ext)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", "", common.Wrap(common.KindInternal, "writing citation artifact", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", "", common.Wrap(common.KindInternal, "publishing citation artifact", err)
	}
	sum := sha256.Sum256(data)
	return path, hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the artifact hash and compares it to wantHash.
func (s *Store) Verify(citationID, ext, wantHash string) error {
	data, err := os.ReadFile(s.Path(citationID, ext))
	if err != nil {
		return common.Wrap(common.KindIntegrityFailed, "citation artifact unreadable", err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != wantHash {
		return common.E(common.KindIntegrityFailed,
			fmt.Sprintf("citation %s hash mismatch", citationID))
	}
	return nil
}

// extFor maps an artifact format to a file extension.
func extFor(format string) string {
	switch format {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/svg+xml":
		return "svg"
	case "text/plain":
		return "txt"
	case "application/pdf":
		return "pdf"
	}
	return "bin"
}
