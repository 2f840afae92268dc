package pipeline

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Computes a content digest of a build context tree.
//
// The digest covers each entry's context-relative path, file mode, and
// regular-file content, visited in lexical order, so it is deterministic
// for a given tree and changes whenever any file is added, removed,
// renamed, edited, or re-moded. Entries in the skip set (and everything
// beneath them) are excluded.
func digestTree(dir string, skip map[string]bool) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	h := digester.Hash()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skip[rel] {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		fmt.Fprintf(h, "%s %o\n", filepath.ToSlash(rel), info.Mode())

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return digester.Digest(), nil
}

// Writes a directory tree to w as a tar stream with context-relative
// entry names. Entries in the skip set are excluded.
func tarTree(w io.Writer, dir string, skip map[string]bool) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skip[rel] {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		return writeTarEntry(tw, path, filepath.ToSlash(rel), d)
	})
	if err != nil {
		tw.Close()
		return err
	}

	return tw.Close()
}

// Writes a single host file to w as a one-entry tar stream with the
// given archive name.
func tarFile(w io.Writer, hostPath, name string) error {
	tw := tar.NewWriter(w)

	info, err := os.Stat(hostPath)
	if err != nil {
		tw.Close()
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		tw.Close()
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		tw.Close()
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		tw.Close()
		return err
	}
	_, err = io.Copy(tw, f)
	f.Close()
	if err != nil {
		tw.Close()
		return err
	}

	return tw.Close()
}

// Writes a single file or directory entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = archivePath

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}
