package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// tarEntry is one regular file lifted out of an archive streamed from a
// sandbox.
type tarEntry struct {
	Name string
	Data []byte
}

// tarFile packs a single regular file into an uncompressed tar stream, the
// layout container runtimes expect on their copy endpoints.
func tarFile(name string, content []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return nil, fmt.Errorf("failed to write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tar: %w", err)
	}
	return &buf, nil
}

// untarFiles reads every regular file out of the archive from r. Entry names
// are slash paths relative to the archive root; anything absolute or
// escaping the root is rejected. A non-zero maxBytes caps each entry before
// its content is read.
func untarFiles(r io.Reader, maxBytes int64) ([]tarEntry, error) {
	tr := tar.NewReader(r)
	var entries []tarEntry

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		cleanName := path.Clean(header.Name)
		if path.IsAbs(cleanName) || cleanName == ".." || strings.HasPrefix(cleanName, "../") {
			return nil, fmt.Errorf("unsafe path in tar: %s", header.Name)
		}
		if maxBytes > 0 && header.Size > maxBytes {
			return nil, fmt.Errorf("tar entry %s is %d bytes, limit is %d", cleanName, header.Size, maxBytes)
		}

		data := make([]byte, header.Size)
		if _, err := io.ReadFull(tr, data); err != nil {
			return nil, fmt.Errorf("failed to read tar entry %s: %w", cleanName, err)
		}
		entries = append(entries, tarEntry{Name: cleanName, Data: data})
	}

	return entries, nil
}
