// Package media keeps accepted upload bytes on the local filesystem.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/andresmejia3/faceguard/internal/imaging"
	"github.com/andresmejia3/faceguard/internal/utils"
)

// Dir is the folder, relative to the media root, that holds accepted images.
const Dir = "validated_images"

// Local stores files content-addressed under root/Dir. References are
// slash-separated paths relative to root.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

// Save writes data unless a file with the same content already exists. The
// extension comes from the decoded format so the static route never serves
// an upload under a type its bytes do not have.
func (l *Local) Save(_ context.Context, data []byte) (string, bool, error) {
	ext, err := imaging.Extension(data)
	if err != nil {
		return "", false, fmt.Errorf("store image: %w", err)
	}
	ref := path.Join(Dir, utils.ContentID(data)+ext)
	full := l.Path(ref)

	if _, err := os.Stat(full); err == nil {
		return ref, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", false, fmt.Errorf("create media dir: %w", err)
	}

	// Write to a temp file first so readers never see a partial image.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", false, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", false, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", false, err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", false, err
	}
	return ref, true, nil
}

// Remove deletes a stored file. Missing files are not an error.
func (l *Local) Remove(_ context.Context, ref string) error {
	err := os.Remove(l.Path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Path resolves a reference to a filesystem path.
func (l *Local) Path(ref string) string {
	return filepath.Join(l.root, filepath.FromSlash(path.Clean("/" + ref)))
}

// Root is the directory served to clients.
func (l *Local) Root() string {
	return l.root
}

// Reset deletes every stored image.
func (l *Local) Reset() error {
	return os.RemoveAll(filepath.Join(l.root, Dir))
}
