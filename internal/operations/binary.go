package operations

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/atomikpanda/autorun/internal/platform"
)

var binarySchema = map[string]any{
	"type":     "object",
	"required": []string{"name", "url", "install_to"},
	"properties": map[string]any{
		"name":       map[string]any{"type": "string", "minLength": 1},
		"version":    map[string]any{"type": "string"},
		"url":        map[string]any{"type": "string", "pattern": "^https?://"},
		"install_to": map[string]any{"type": "string"},
		"force":      map[string]any{"type": "boolean"},
	},
}

// BinaryOp downloads a pre-built binary from a URL, optionally extracts
// it from a tar.gz or zip archive, and installs it to a target directory.
// An existing binary is left alone unless force is set.
type BinaryOp struct {
	Client *http.Client
}

func (o *BinaryOp) Run(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error) {
	name := stringParam(params, "name", "")
	url := stringParam(params, "url", "")
	destDir := platform.ExpandPath(stringParam(params, "install_to", ""))
	destPath := filepath.Join(destDir, name)

	if _, err := os.Stat(destPath); err == nil && !boolParam(params, "force", false) {
		return Result(false, "path", destPath), nil
	}
	if checkMode {
		return Result(true, "path", destPath), nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, &Failure{Msg: "create install dir", Err: err}
	}

	// Download to a temp file.
	tmpFile, err := os.CreateTemp("", "autorun-bin-*")
	if err != nil {
		return nil, &Failure{Msg: "create temp file", Err: err}
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if err := o.downloadTo(ctx, url, tmpFile); err != nil {
		tmpFile.Close()
		return nil, &Failure{Msg: "download " + url, Err: err, Fields: map[string]any{"url": url}}
	}
	tmpFile.Close()

	// Extract or install depending on the URL extension.
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		if err := extractFromTarGz(tmpPath, name, destPath); err != nil {
			return nil, &Failure{Msg: fmt.Sprintf("extract %s from archive", name), Err: err}
		}
	case strings.HasSuffix(lower, ".zip"):
		if err := extractFromZip(tmpPath, name, destPath); err != nil {
			return nil, &Failure{Msg: fmt.Sprintf("extract %s from zip", name), Err: err}
		}
	default:
		// Treat as a plain binary.
		if err := os.Rename(tmpPath, destPath); err != nil {
			if err := copyFilePath(tmpPath, destPath); err != nil {
				return nil, &Failure{Msg: "install binary", Err: err}
			}
		}
	}

	if err := os.Chmod(destPath, 0o755); err != nil {
		return nil, &Failure{Msg: "chmod binary", Err: err}
	}
	return Result(true, "path", destPath, "version", stringParam(params, "version", "")), nil
}

// --- download ----------------------------------------------------------------

func (o *BinaryOp) downloadTo(ctx context.Context, url string, dst *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	_, err = io.Copy(dst, resp.Body)
	return err
}

// --- extraction --------------------------------------------------------------

func extractFromTarGz(archivePath, binaryName, destPath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(hdr.Name) == binaryName {
			return writeBinary(tr, destPath)
		}
	}
	return fmt.Errorf("binary %q not found in archive", binaryName)
}

func extractFromZip(archivePath, binaryName, destPath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if filepath.Base(f.Name) == binaryName {
			rc, err := f.Open()
			if err != nil {
				return err
			}
			defer rc.Close()
			return writeBinary(rc, destPath)
		}
	}
	return fmt.Errorf("binary %q not found in zip", binaryName)
}

func writeBinary(r io.Reader, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyFilePath(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeBinary(in, dst)
}
