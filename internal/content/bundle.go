package content

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"testing/fstest"
	"time"

	"github.com/keithlinneman/mdxemit/internal/cryptoutil"
	"github.com/keithlinneman/mdxemit/internal/xerrors"
)

const (
	// maxBundleSize is the maximum size of a compressed content bundle
	maxBundleSize int64 = 50 * 1024 * 1024 // 50MB

	// maxSingleFile is the maximum size of a single file in the bundle
	maxSingleFile int64 = 10 * 1024 * 1024 // 10MB

	// maxTotalExtract is the maximum total size of extracted content
	maxTotalExtract int64 = 100 * 1024 * 1024 // 100MB

	bundleFileMode = 0o644
)

// bundleEpoch is stamped on every header so equal catalogs give equal bytes.
var bundleEpoch = time.Unix(0, 0).UTC()

// Bundle packs the catalog into a tar.gz in catalog order and returns the
// archive with its hex SHA-256. Output depends only on names and contents.
func Bundle(c Catalog) ([]byte, string, error) {
	if err := Validate(c, ValidationOptions{AllowEmptyContent: true}); err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, "", xerrors.Wrap(err, "gzip writer")
	}
	tw := tar.NewWriter(gw)

	for _, e := range c.Entries {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.Name,
			Mode:     bundleFileMode,
			Size:     int64(len(e.Content)),
			ModTime:  bundleEpoch,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, "", xerrors.Wrapf(err, "tar header %s", e.Name)
		}
		if _, err := io.WriteString(tw, e.Content); err != nil {
			return nil, "", xerrors.Wrapf(err, "tar write %s", e.Name)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", xerrors.Wrap(err, "close tar")
	}
	if err := gw.Close(); err != nil {
		return nil, "", xerrors.Wrap(err, "close gzip")
	}

	data := buf.Bytes()
	if int64(len(data)) > maxBundleSize {
		return nil, "", xerrors.Newf("bundle exceeds max size (%d bytes, limit %d)", len(data), maxBundleSize)
	}
	return data, cryptoutil.SHA256Hex(data), nil
}

// VerifyBundle checks data against an expected hex SHA-256.
func VerifyBundle(data []byte, expectedHash string) error {
	got := cryptoutil.SHA256Hex(data)
	if !cryptoutil.HashEqual(got, strings.ToLower(expectedHash)) {
		return xerrors.Newf("bundle hash mismatch: expected %s, got %s", expectedHash, got)
	}
	return nil
}

// ReadBundle extracts a tar.gz bundle into an in-memory filesystem.
func ReadBundle(data []byte) (fs.FS, error) {
	if int64(len(data)) > maxBundleSize {
		return nil, fmt.Errorf("bundle exceeds max size (%d bytes, limit %d)", len(data), maxBundleSize)
	}
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gr.Close()

	mfs := make(fstest.MapFS)
	tr := tar.NewReader(gr)

	var totalBytes int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}

		cleanName := path.Clean(hdr.Name)
		if cleanName == "." || cleanName == "" {
			continue
		}
		if path.IsAbs(cleanName) {
			return nil, fmt.Errorf("absolute path in archive: %s", hdr.Name)
		}
		if strings.Contains(cleanName, "..") {
			return nil, fmt.Errorf("path traversal in archive: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			// directories are implicit in MapFS
			continue

		case tar.TypeReg:
			if hdr.Size > maxSingleFile {
				return nil, fmt.Errorf("file %s exceeds max size (%d > %d)", cleanName, hdr.Size, maxSingleFile)
			}
			body, err := io.ReadAll(io.LimitReader(tr, maxSingleFile+1))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", cleanName, err)
			}
			if int64(len(body)) > maxSingleFile {
				return nil, fmt.Errorf("file %s exceeds max size after read", cleanName)
			}
			totalBytes += int64(len(body))
			if totalBytes > maxTotalExtract {
				return nil, fmt.Errorf("total extracted size exceeds limit (%d bytes, max %d)", totalBytes, maxTotalExtract)
			}
			mfs[cleanName] = &fstest.MapFile{
				Data:    body,
				Mode:    hdr.FileInfo().Mode().Perm(),
				ModTime: hdr.ModTime,
			}

		default:
			return nil, fmt.Errorf("unsupported file type in archive: %s (type=%d)", cleanName, hdr.Typeflag)
		}
	}
	return mfs, nil
}
