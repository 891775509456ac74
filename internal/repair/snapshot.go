package repair

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const manifestName = ".healloop-manifest.json"

type manifest struct {
	Base    string   `json:"base"`
	Present []string `json:"present"`
	Absent  []string `json:"absent"`
}

// Snapshotter stores rollback points as zstd-compressed tarballs.
type Snapshotter struct {
	dir string
}

// NewSnapshotter stores snapshots under dir.
func NewSnapshotter(dir string) *Snapshotter {
	return &Snapshotter{dir: dir}
}

// Take archives paths (relative to base) and returns the snapshot id.
// Paths that do not exist are recorded so Restore can remove them again.
func (s *Snapshotter) Take(base string, paths []string) (string, error) {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := cleanRelative(p)
		if err != nil {
			return "", err
		}
		cleaned = append(cleaned, rel)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	id := uuid.NewString()
	final := s.archivePath(id)
	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	zw, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return "", err
	}
	tw := tar.NewWriter(zw)

	m := manifest{Base: base}
	for _, rel := range cleaned {
		abs := filepath.Join(base, rel)
		if _, statErr := os.Lstat(abs); errors.Is(statErr, fs.ErrNotExist) {
			m.Absent = append(m.Absent, rel)
			continue
		}
		m.Present = append(m.Present, rel)
		if err = addTree(tw, base, rel); err != nil {
			return "", fmt.Errorf("archive %s: %w", rel, err)
		}
	}
	if err = writeManifest(tw, m); err != nil {
		return "", err
	}
	if err = tw.Close(); err != nil {
		return "", err
	}
	if err = zw.Close(); err != nil {
		return "", err
	}
	if err = tmp.Sync(); err != nil {
		return "", err
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}
	if err = os.Rename(tmpPath, final); err != nil {
		return "", err
	}
	return id, nil
}

// Restore puts every snapshotted path back exactly as it was when the snapshot was taken.
func (s *Snapshotter) Restore(id string) error {
	f, err := os.Open(s.archivePath(id))
	if err != nil {
		return fmt.Errorf("open snapshot %s: %w", id, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	// The manifest is the last entry, so entries are buffered until it is read.
	type entry struct {
		hdr  *tar.Header
		data []byte
	}
	var (
		entries []entry
		m       *manifest
	)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", id, err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		if hdr.Name == manifestName {
			m = &manifest{}
			if err := json.Unmarshal(data, m); err != nil {
				return fmt.Errorf("snapshot %s manifest: %w", id, err)
			}
			continue
		}
		entries = append(entries, entry{hdr: hdr, data: data})
	}
	if m == nil {
		return fmt.Errorf("snapshot %s has no manifest", id)
	}

	for _, rel := range append(append([]string(nil), m.Present...), m.Absent...) {
		if err := os.RemoveAll(filepath.Join(m.Base, rel)); err != nil {
			return fmt.Errorf("clear %s: %w", rel, err)
		}
	}
	for _, e := range entries {
		target := filepath.Join(m.Base, filepath.FromSlash(e.hdr.Name))
		switch e.hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(e.hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(e.hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(target, e.data, fs.FileMode(e.hdr.Mode).Perm()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Discard removes a snapshot that is no longer needed.
func (s *Snapshotter) Discard(id string) error {
	err := os.Remove(s.archivePath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Snapshotter) archivePath(id string) string {
	return filepath.Join(s.dir, id+".tar.zst")
}

func cleanRelative(p string) (string, error) {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot path %q must be relative to the work dir", p)
	}
	return clean, nil
}

func addTree(tw *tar.Writer, base, rel string) error {
	return filepath.WalkDir(filepath.Join(base, rel), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(name)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func writeManifest(tw *tar.Writer, m manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{Name: manifestName, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}
