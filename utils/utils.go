package utils

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ztrue/tracerr"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// MustMarshal marshals v to string, panic if error.
func MustMarshal(v any) string {
	ret, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(ret)
}

// MinPositive returns the smaller positive one in a and b, 0 if neither is positive.
func MinPositive[T constraints.Integer | constraints.Float](a T, b T) T {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a > b:
		return b
	default:
		return a
	}
}

// SortedKeys returns map keys in ascending order.
func SortedKeys[K constraints.Ordered, V any](s map[K]V) []K {
	ret := make([]K, 0, len(s))
	for k := range s {
		ret = append(ret, k)
	}
	slices.Sort(ret)
	return ret
}

// FileExist returns whether file in path exist.
func FileExist(path string) bool {
	var exist = true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exist = false
	}
	return exist
}

// ErrZipTooLarge is returned by Unzip when the extracted size exceeds the limit.
var ErrZipTooLarge = tracerr.New("archive exceeds size limit")

// Unzip extracts zip buf to dir, dir must not exist.
// maxSize limits the total extracted bytes, 0 for unlimited.
// dir is removed if anything goes wrong.
func Unzip(buf []byte, dir string, maxSize int64) error {
	if FileExist(dir) {
		return tracerr.New("folder already exists")
	}
	reader := bytes.NewReader(buf)
	r, err := zip.NewReader(reader, reader.Size())
	if err != nil {
		return tracerr.Wrap(err)
	}
	fc := func() error {
		if err := tracerr.Wrap(os.MkdirAll(dir, 0755)); err != nil {
			return err
		}
		var total int64
		for _, f := range r.File {
			target, err := SafeJoin(dir, f.Name)
			if err != nil {
				return err
			}
			if f.FileInfo().IsDir() {
				if err := tracerr.Wrap(os.MkdirAll(target, 0755)); err != nil {
					return err
				}
				continue
			}
			if err := tracerr.Wrap(os.MkdirAll(filepath.Dir(target), 0755)); err != nil {
				return err
			}
			n, err := extractFile(f, target, maxSize-total, maxSize > 0)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	}

	if err := fc(); err != nil {
		os.RemoveAll(dir)
		return err
	}

	return nil
}

func extractFile(f *zip.File, target string, remain int64, limited bool) (int64, error) {
	in, err := f.Open()
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	defer in.Close()
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	defer dst.Close()

	var src io.Reader = in
	if limited {
		src = io.LimitReader(in, remain+1)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		return n, tracerr.Wrap(err)
	}
	if limited && n > remain {
		return n, ErrZipTooLarge
	}
	return n, nil
}

// SafeJoin joins name under dir, rejecting paths escaping dir.
func SafeJoin(dir string, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", tracerr.Errorf("illegal path %v", name)
	}
	target := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", tracerr.Errorf("illegal path %v", name)
	}
	return target, nil
}

// Zip packs every file under source into w, paths relative to source.
// onAdd is called for every entry added, can be nil.
func Zip(source string, w io.Writer, onAdd func(name string)) error {
	archive := zip.NewWriter(w)
	err := filepath.Walk(source, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		if rel == "." { // folder itself
			return nil
		}
		name := filepath.ToSlash(rel)
		if info.IsDir() {
			_, err = archive.Create(name + "/")
			if err == nil && onAdd != nil {
				onAdd(name + "/")
			}
			return err
		}
		writer, err := archive.Create(name)
		if err != nil {
			return err
		}
		file, err := os.Open(p)
		if err != nil {
			return err
		}
		defer file.Close()
		if _, err = io.Copy(writer, file); err != nil {
			return err
		}
		if onAdd != nil {
			onAdd(name)
		}
		return nil
	})
	if err != nil {
		archive.Close()
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(archive.Close())
}
