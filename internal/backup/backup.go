// Package backup keeps a copy of a file next to it before an operation
// overwrites it.
package backup

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Suffix layout appended to the original path. The timestamp keeps backups
// of the same file ordered and distinct.
const layout = "2006-01-02@15:04:05.000000000"

// Name returns the backup path for path taken at t.
func Name(path string, t time.Time) string {
	return fmt.Sprintf("%s.%s~", path, t.UTC().Format(layout))
}

// File copies path to Name(path, t), preserving its permissions, and returns
// the backup path. A missing path is not an error: there is nothing to keep,
// and "" is returned.
func File(path string, t time.Time) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("backup %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("backup %s: is a directory", path)
	}

	dst := Name(path, t)
	if err := copyFile(path, dst, info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("backup %s: %w", path, err)
	}
	return dst, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
	}
	return err
}
