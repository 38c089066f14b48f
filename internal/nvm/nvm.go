// Package nvm holds the emulated flash image. Guest reads are served from
// memory, writes mark pages dirty, and Commit replaces the on-disk image
// atomically.
package nvm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// PageSize is the dirty-tracking granularity.
const PageSize = 64

var (
	ErrOutOfRange   = errors.New("nvm access out of range")
	ErrSizeMismatch = errors.New("nvm image size mismatch")
	ErrNoPath       = errors.New("nvm image has no backing file")
)

// Image is the in-memory NVM buffer. It implements mem.Backing.
type Image struct {
	path  string
	data  []byte
	dirty []bool
	nDirt int
}

// New returns a zero-filled image of size bytes with no backing file.
func New(size uint32) *Image {
	return &Image{
		data:  make([]byte, size),
		dirty: make([]bool, (size+PageSize-1)/PageSize),
	}
}

// Load reads the image persisted at path. When the file does not exist the
// image starts from initial (zero-padded to size) and loaded is false. An
// existing file must be exactly size bytes.
func Load(path string, size uint32, initial []byte) (img *Image, loaded bool, err error) {
	img = New(size)
	img.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		copy(img.data, initial)
		return img, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("read nvm: %w", err)
	}
	if uint32(len(data)) != size {
		return nil, false, fmt.Errorf("%w: %s is %d bytes, region is %d", ErrSizeMismatch, path, len(data), size)
	}
	copy(img.data, data)
	return img, true, nil
}

// Path returns the backing file, or "" for an in-memory image.
func (img *Image) Path() string { return img.path }

// Size returns the image size in bytes.
func (img *Image) Size() uint32 { return uint32(len(img.data)) }

func (img *Image) check(off uint32, n int) error {
	if uint64(off)+uint64(n) > uint64(len(img.data)) {
		return fmt.Errorf("%w: 0x%x+%d (size 0x%x)", ErrOutOfRange, off, n, len(img.data))
	}
	return nil
}

// ReadAt copies image content at off into p.
func (img *Image) ReadAt(p []byte, off uint32) error {
	if err := img.check(off, len(p)); err != nil {
		return err
	}
	copy(p, img.data[off:])
	return nil
}

// WriteAt stores p at off and marks the touched pages dirty.
func (img *Image) WriteAt(p []byte, off uint32) error {
	if err := img.check(off, len(p)); err != nil {
		return err
	}
	copy(img.data[off:], p)
	img.mark(off, len(p))
	return nil
}

// Erase zeroes n bytes at off.
func (img *Image) Erase(off uint32, n int) error {
	if err := img.check(off, n); err != nil {
		return err
	}
	clear(img.data[off : off+uint32(n)])
	img.mark(off, n)
	return nil
}

func (img *Image) mark(off uint32, n int) {
	if n == 0 {
		return
	}
	first := off / PageSize
	last := (off + uint32(n) - 1) / PageSize
	for pg := first; pg <= last; pg++ {
		if !img.dirty[pg] {
			img.dirty[pg] = true
			img.nDirt++
		}
	}
}

// Dirty reports whether the image changed since the last load or commit.
func (img *Image) Dirty() bool { return img.nDirt > 0 }

// Clean forgets pending changes without writing them.
func (img *Image) Clean() {
	clear(img.dirty)
	img.nDirt = 0
}

// DirtyPages returns the indexes of changed pages.
func (img *Image) DirtyPages() []int {
	out := make([]int, 0, img.nDirt)
	for i, d := range img.dirty {
		if d {
			out = append(out, i)
		}
	}
	return out
}

// Bytes returns a copy of the image content.
func (img *Image) Bytes() []byte {
	out := make([]byte, len(img.data))
	copy(out, img.data)
	return out
}

// Flush commits to the file the image was loaded from.
func (img *Image) Flush() error {
	if img.path == "" {
		return ErrNoPath
	}
	return img.Commit(img.path)
}

// Commit writes the full image to path. The previous file stays intact
// until the new content is synced and renamed over it.
func (img *Image) Commit(path string) error {
	pf, err := stage(path, img.data)
	if err != nil {
		return err
	}
	defer pf.Cleanup()
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace nvm: %w", err)
	}
	syncDir(filepath.Dir(path))

	img.Clean()
	return nil
}

// stage writes data to a pending file next to path.
func stage(path string, data []byte) (*renameio.PendingFile, error) {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644), renameio.IgnoreUmask())
	if err != nil {
		return nil, fmt.Errorf("create nvm temp: %w", err)
	}
	if _, err := pf.Write(data); err != nil {
		pf.Cleanup()
		return nil, fmt.Errorf("write nvm temp: %w", err)
	}
	return pf, nil
}

// syncDir makes the rename durable where the platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
