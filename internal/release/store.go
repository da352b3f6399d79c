// Package release manages the on-host release directory layout: one
// extracted directory per release identifier, a single `current` symlink
// designating the active release, and retention pruning of old releases.
package release

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"fleet-cd/internal/types"
)

const partialSuffix = ".partial"

// Store lays out releases under Root:
//
//	<Root>/releases/<id>/   extracted bundles
//	<Root>/current          symlink to the active release directory
type Store struct {
	Root   string
	Retain int
}

func (s *Store) releasesDir() string { return filepath.Join(s.Root, "releases") }

// CurrentLink is the path of the active pointer symlink.
func (s *Store) CurrentLink() string { return filepath.Join(s.Root, "current") }

// Dir returns the directory of a release identifier.
func (s *Store) Dir(releaseID string) string {
	return filepath.Join(s.releasesDir(), releaseID)
}

// Extract unpacks the bundle into the release directory. A directory that
// already exists is treated as already extracted and left alone, which makes
// re-running a deployment with the same identifier idempotent. Extraction
// goes through a staging directory renamed into place, so a crashed or
// failed extraction never leaves a half-populated release directory.
func (s *Store) Extract(bundlePath, releaseID string) error {
	dir := s.Dir(releaseID)
	if _, err := os.Stat(dir); err == nil {
		logrus.Infof("release %s already extracted, skipping", releaseID)
		return nil
	}

	staging := dir + partialSuffix
	_ = os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return types.Wrap(types.KindExtraction, fmt.Errorf("create staging dir: %w", err))
	}

	if err := s.unpack(bundlePath, staging); err != nil {
		_ = os.RemoveAll(staging)
		return types.Wrap(types.KindExtraction, err)
	}
	if err := normalizePermissions(staging); err != nil {
		_ = os.RemoveAll(staging)
		return types.Wrap(types.KindExtraction, err)
	}
	if err := os.Rename(staging, dir); err != nil {
		_ = os.RemoveAll(staging)
		return types.Wrap(types.KindExtraction, fmt.Errorf("commit release dir: %w", err))
	}

	logrus.Infof("release %s extracted to %s", releaseID, dir)
	return nil
}

func (s *Store) unpack(bundlePath, dest string) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return fmt.Errorf("write %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) || strings.Contains(hdr.Linkname, "..") {
				return fmt.Errorf("unsafe symlink %s -> %s", hdr.Name, hdr.Linkname)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// device nodes, fifos etc. have no place in an app bundle
			logrus.Warnf("skipping tar entry %s (type %c)", hdr.Name, hdr.Typeflag)
		}
	}
}

// safeJoin joins name under base, rejecting absolute paths and traversal.
func safeJoin(base, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe tar entry path %q", name)
	}
	return filepath.Join(base, cleaned), nil
}

// normalizePermissions makes extracted trees uniform: directories 0755,
// files 0644 keeping the executable bit.
func normalizePermissions(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if info.IsDir() {
			return os.Chmod(path, 0755)
		}
		mode := os.FileMode(0644)
		if info.Mode()&0111 != 0 {
			mode = 0755
		}
		return os.Chmod(path, mode)
	})
}

// Activate swaps the active pointer to releaseID. The swap is a symlink
// rename, atomic with respect to concurrent readers: a reader sees the old
// target or the new one, never a missing or partial link. On failure the
// previous pointer is untouched.
func (s *Store) Activate(releaseID string) error {
	dir := s.Dir(releaseID)
	if _, err := os.Stat(dir); err != nil {
		return types.Wrap(types.KindActivation, fmt.Errorf("release dir %s: %w", dir, err))
	}

	tmp := filepath.Join(s.Root, ".current.next")
	_ = os.Remove(tmp)
	if err := os.Symlink(dir, tmp); err != nil {
		return types.Wrap(types.KindActivation, fmt.Errorf("stage pointer: %w", err))
	}
	if err := os.Rename(tmp, s.CurrentLink()); err != nil {
		_ = os.Remove(tmp)
		return types.Wrap(types.KindActivation, fmt.Errorf("swap pointer: %w", err))
	}

	logrus.Infof("✅ release %s activated", releaseID)
	return nil
}

// Active returns the identifier of the currently active release, or "" when
// no release has ever been activated.
func (s *Store) Active() (string, error) {
	target, err := os.Readlink(s.CurrentLink())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return filepath.Base(target), nil
}

// Prune removes the oldest release directories beyond the retention count.
// The active release is never removed. Release identifiers sort
// lexicographically in creation order, so plain string order is age order.
func (s *Store) Prune() error {
	entries, err := os.ReadDir(s.releasesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasSuffix(e.Name(), partialSuffix) {
			ids = append(ids, e.Name())
		}
	}
	keep := s.Retain
	if keep <= 0 {
		keep = 3
	}
	if len(ids) <= keep {
		return nil
	}
	sort.Strings(ids)

	active, err := s.Active()
	if err != nil {
		return err
	}

	for _, id := range ids[:len(ids)-keep] {
		if id == active {
			continue
		}
		if err := os.RemoveAll(s.Dir(id)); err != nil {
			return fmt.Errorf("prune release %s: %w", id, err)
		}
		logrus.Infof("pruned release %s", id)
	}
	return nil
}
