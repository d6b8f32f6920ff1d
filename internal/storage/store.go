package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ErrFileNotFound is returned when a name doesn't exist in the store
var ErrFileNotFound = errors.New("file not found")

// ErrInvalidName is returned for names that are not a single plain path element
var ErrInvalidName = errors.New("invalid file name")

// TempPrefix marks in-flight transfers. Entries starting with "." are never
// listed or served.
const TempPrefix = ".incoming-"

// Store defines the file inventory the mesh replicates.
// All implementations must be safe for concurrent use.
type Store interface {
	// Dir is the directory transfers write into
	Dir() string

	// List returns the stored names, sorted
	List() ([]string, error)

	// Has reports whether name is stored
	Has(name string) bool

	// Open opens a stored file for reading
	// Returns ErrFileNotFound if the name doesn't exist
	Open(name string) (*os.File, error)

	// Count returns the number of stored files
	Count() (int, error)
}

// DirStore implements Store on top of a single flat directory.
// It keeps no state of its own; the directory is the source of truth.
type DirStore struct {
	dir string
}

// NewDirStore creates dir if needed and returns a store rooted at its
// absolute path.
func NewDirStore(dir string) (*DirStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve storage dir %q", dir)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create storage dir %q", abs)
	}
	return &DirStore{dir: abs}, nil
}

// ValidName rejects anything that could escape the storage directory or
// collide with in-flight transfers.
func ValidName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrInvalidName
	case strings.ContainsAny(name, `/\`):
		return ErrInvalidName
	case strings.HasPrefix(name, "."):
		return ErrInvalidName
	}
	return nil
}

func (d *DirStore) Dir() string {
	return d.dir
}

// List returns regular, non-hidden files only.
func (d *DirStore) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, errors.Wrap(err, "list storage dir")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

func (d *DirStore) Has(name string) bool {
	if ValidName(name) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(d.dir, name))
	return err == nil && info.Mode().IsRegular()
}

func (d *DirStore) Open(name string) (*os.File, error) {
	if err := ValidName(name); err != nil {
		return nil, ErrFileNotFound
	}
	f, err := os.Open(filepath.Join(d.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", name)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, ErrFileNotFound
	}
	return f, nil
}

func (d *DirStore) Count() (int, error) {
	names, err := d.List()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}
