package docker

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// buildContext assembles the tar stream sent to ImageBuild: the language's
// runtime files followed by every regular file under artifactDir. Artifact
// files override runtime files of the same name.
func buildContext(runtime map[string][]byte, artifactDir string) (io.Reader, error) {
	files := make(map[string][]byte, len(runtime))
	for name, data := range runtime {
		files[name] = data
	}

	artifacts, err := readDir(artifactDir)
	if err != nil {
		return nil, err
	}
	for name, data := range artifacts {
		files[name] = data
	}

	return writeTar(files)
}

// workspaceArchive packs the files under dir for CopyToContainer.
func workspaceArchive(dir string) (io.Reader, error) {
	files, err := readDir(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("workspace %s is empty", dir)
	}
	return writeTar(files)
}

// readDir loads every regular file under dir keyed by its slash-separated
// path relative to dir. Symlinks and entries escaping dir are rejected.
func readDir(dir string) (map[string][]byte, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve dir: %w", err)
	}

	files := make(map[string][]byte)
	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%s: not a regular file", path)
		}
		rel, err := filepath.Rel(absDir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("path %q escapes %s", path, absDir)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

func writeTar(files map[string][]byte) (io.Reader, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for _, name := range names {
		data := files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write tar entry %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return &buf, nil
}
