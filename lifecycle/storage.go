package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/utils/log"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ztrue/tracerr"
)

// layout is the storage tree:
//
//	<root>/active/<id>
//	<root>/disabled/<id>
//	<root>/.staging/<uuid>
type layout struct {
	root string
}

func (l layout) dir(loc Location) string {
	return filepath.Join(l.root, string(loc))
}

func (l layout) path(loc Location, id string) string {
	return filepath.Join(l.dir(loc), id)
}

func (l layout) staging() string {
	return filepath.Join(l.root, ".staging", uuid.NewString())
}

func (l layout) prepare() error {
	for _, d := range []string{l.dir(LocationActive), l.dir(LocationDisabled), filepath.Join(l.root, ".staging")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return tracerr.Wrap(err)
		}
	}
	// leftovers of interrupted installs
	entries, err := os.ReadDir(filepath.Join(l.root, ".staging"))
	if err != nil {
		return tracerr.Wrap(err)
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(l.root, ".staging", e.Name()))
	}
	return nil
}

// exists reports whether id occupies either storage area.
func (l layout) exists(id string) bool {
	for _, loc := range []Location{LocationActive, LocationDisabled} {
		if _, err := os.Stat(l.path(loc, id)); err == nil {
			return true
		}
	}
	return false
}

// scan lists plugin directories in loc.
func (l layout) scan(loc Location) ([]string, error) {
	entries, err := os.ReadDir(l.dir(loc))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var ret []string
	for _, e := range entries {
		if e.IsDir() {
			ret = append(ret, e.Name())
		}
	}
	return ret, nil
}

var errTargetExists = errors.New("target already exists")

// move renames src to dst, retrying transient failures.
func move(src string, dst string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.RetryNotify(func() error {
		if _, err := os.Stat(dst); err == nil {
			return backoff.Permanent(fmt.Errorf("move %v: %w", dst, errTargetExists))
		}
		if _, err := os.Stat(src); os.IsNotExist(err) {
			return backoff.Permanent(tracerr.Wrap(err))
		}
		return tracerr.Wrap(os.Rename(src, dst))
	}, b, func(err error, d time.Duration) {
		log.NewEntry(err).WithField("retry", d).Warn("Storage move failed")
	})
}

// pluginDir locates the plugin inside an extracted package: the staging
// root itself or its single top-level directory.
func pluginDir(staging string) (string, error) {
	if _, ok := manifest.Find(staging); ok {
		return staging, nil
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "__MACOSX" {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 1 {
		return filepath.Join(staging, dirs[0]), nil
	}
	return staging, nil
}
