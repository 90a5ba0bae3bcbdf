// Package archive stores a dataset as a directory of per-instance files,
// each a gob-encoded instance compressed with zstd.
package archive

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/occlusion.dataset/internal/fsutil"
	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
	"github.com/banshee-data/occlusion.dataset/internal/occlusion"
	"github.com/banshee-data/occlusion.dataset/internal/storage"
)

// Ext is the extension of instance files.
const Ext = ".inst"

// FileName returns the file name of slot.
func FileName(slot int) string { return fmt.Sprintf("%08d%s", slot, Ext) }

// EncodeAll and DecodeAll are safe for concurrent use.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Encode serialises in as gob then compresses it.
func Encode(in *occlusion.Instance) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(in); err != nil {
		return nil, fmt.Errorf("encode instance %d: %w", in.Index, err)
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

// Decode is the inverse of Encode.
func Decode(blob []byte) (*occlusion.Instance, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty instance blob")
	}
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress instance: %w", err)
	}
	in := &occlusion.Instance{}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(in); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return in, nil
}

// Writer writes instance files into a directory.
type Writer struct {
	fs  fsutil.FileSystem
	dir string
}

// NewWriter creates dir if needed. Existing files are kept, so a build
// can resume.
func NewWriter(fs fsutil.FileSystem, dir string) (*Writer, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir %s: %w", dir, err)
	}
	return &Writer{fs: fs, dir: dir}, nil
}

func (w *Writer) path(slot int) string { return filepath.Join(w.dir, FileName(slot)) }

// Write stores in as the file of slot through a temp file and a rename.
func (w *Writer) Write(slot int, in *occlusion.Instance) error {
	if slot < 0 {
		return fmt.Errorf("negative slot %d", slot)
	}
	blob, err := Encode(in)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(w.fs, w.path(slot), blob, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", w.path(slot), err)
	}
	return nil
}

// Written reports whether the file of slot exists.
func (w *Writer) Written(slot int) (bool, error) { return w.fs.Exists(w.path(slot)), nil }

// Close is a no-op; every Write is complete on return.
func (w *Writer) Close() error { return nil }

// Reader reads the instance files of a directory in slot order.
type Reader struct {
	fs  fsutil.FileSystem
	dir string

	once  sync.Once
	files []string
	err   error
}

// NewReader returns a reader of dir. The directory is listed on first access.
func NewReader(fs fsutil.FileSystem, dir string) *Reader {
	return &Reader{fs: fs, dir: dir}
}

func (r *Reader) list() error {
	r.once.Do(func() {
		files, err := r.fs.Glob(filepath.Join(r.dir, "*"+Ext))
		if err != nil {
			r.err = fmt.Errorf("list archive %s: %w", r.dir, err)
			return
		}
		for _, f := range files {
			if _, err := strconv.Atoi(strings.TrimSuffix(filepath.Base(f), Ext)); err == nil {
				r.files = append(r.files, f)
			}
		}
		monitoring.Diagf("archive %s: %d instances", r.dir, len(r.files))
	})
	return r.err
}

// Len returns the number of instance files, or 0 if dir cannot be listed.
func (r *Reader) Len() int {
	if err := r.list(); err != nil {
		monitoring.Diagf("%v", err)
		return 0
	}
	return len(r.files)
}

// Instance decodes the idx-th file.
func (r *Reader) Instance(idx int) (*occlusion.Instance, error) {
	if err := r.list(); err != nil {
		return nil, err
	}
	if err := storage.CheckIndex(idx, len(r.files)); err != nil {
		return nil, err
	}
	blob, err := r.fs.ReadFile(r.files[idx])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.files[idx], err)
	}
	in, err := Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.files[idx], err)
	}
	return in, nil
}

var (
	_ storage.Reader = (*Reader)(nil)
	_ storage.Writer = (*Writer)(nil)
)
