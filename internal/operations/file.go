package operations

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/atomikpanda/autorun/internal/ageutil"
	"github.com/atomikpanda/autorun/internal/backup"
	"github.com/atomikpanda/autorun/internal/platform"
)

var fileSchema = map[string]any{
	"type":     "object",
	"required": []string{"path"},
	"properties": map[string]any{
		"path":      map[string]any{"type": "string", "minLength": 1},
		"state":     map[string]any{"enum": []string{"file", "absent", "directory", "link"}},
		"content":   map[string]any{"type": "string"},
		"src":       map[string]any{"type": "string"},
		"mode":      map[string]any{"type": "string", "pattern": "^0?[0-7]{3,4}$"},
		"encrypted": map[string]any{"type": "boolean"},
		"backup":    map[string]any{"type": "boolean"},
	},
}

// FileOp manages a file, directory or symlink at params.path.
//
//	state: file (default) writes content, or copies src; with encrypted=true
//	       src is an age file decrypted with Key; with backup=true the
//	       previous file is kept as <path>.<timestamp>~
//	state: directory creates the directory tree
//	state: link points path at src
//	state: absent removes path
//
// Every state is idempotent: nothing is touched when the target already
// matches, and changed reports whether anything was (or would be) modified.
type FileOp struct {
	Key *ageutil.Key
	// Now stamps backups; defaults to time.Now.
	Now func() time.Time
}

func (o *FileOp) Run(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error) {
	path := platform.ExpandPath(stringParam(params, "path", ""))
	if path == "" {
		return nil, Failf("path is required")
	}
	var mode os.FileMode
	if m := stringParam(params, "mode", ""); m != "" {
		var err error
		if mode, err = parseMode(m); err != nil {
			return nil, Failf("invalid mode %q: %v", m, err)
		}
	}

	state := stringParam(params, "state", "file")
	var (
		changed bool
		backed  string
		err     error
	)
	switch state {
	case "absent":
		changed, err = o.absent(path, checkMode)
	case "directory":
		changed, err = o.directory(path, mode, checkMode)
	case "link":
		changed, err = o.link(path, stringParam(params, "src", ""), checkMode)
	case "file":
		changed, backed, err = o.file(params, path, mode, checkMode)
	default:
		return nil, Failf("unknown state %q", state)
	}
	if err != nil {
		return nil, &Failure{Msg: fmt.Sprintf("%s %s", state, path), Err: err, Fields: map[string]any{"path": path}}
	}
	out := Result(changed, "path", path, "state", state)
	if backed != "" {
		out["backup_file"] = backed
	}
	return out, nil
}

func (o *FileOp) absent(path string, checkMode bool) (bool, error) {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return false, nil
	}
	if checkMode {
		return true, nil
	}
	return true, os.RemoveAll(path)
}

func (o *FileOp) directory(path string, mode os.FileMode, checkMode bool) (bool, error) {
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		return false, fmt.Errorf("%s exists and is not a directory", path)
	}
	changed := os.IsNotExist(err)
	if mode == 0 {
		mode = 0o755
	}
	if err == nil && info.Mode().Perm() != mode {
		changed = true
	}
	if checkMode || !changed {
		return changed, nil
	}
	if err := os.MkdirAll(path, mode); err != nil {
		return false, fmt.Errorf("create directory: %w", err)
	}
	return true, os.Chmod(path, mode)
}

func (o *FileOp) link(path, src string, checkMode bool) (bool, error) {
	if src == "" {
		return false, fmt.Errorf("src is required for state=link")
	}
	abs, err := filepath.Abs(platform.ExpandPath(src))
	if err != nil {
		return false, fmt.Errorf("resolve source path: %w", err)
	}
	if dest, err := os.Readlink(path); err == nil && dest == abs {
		return false, nil
	}
	if checkMode {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create destination directory: %w", err)
	}
	return true, createSymlink(abs, path)
}

func (o *FileOp) file(params map[string]any, path string, mode os.FileMode, checkMode bool) (bool, string, error) {
	want, err := o.desiredContent(params)
	if err != nil {
		return false, "", err
	}

	current, readErr := os.ReadFile(path)
	exists := readErr == nil
	if readErr != nil && !os.IsNotExist(readErr) {
		return false, "", fmt.Errorf("read %s: %w", path, readErr)
	}

	contentChanged := want != nil && (!exists || !bytes.Equal(current, want))
	if !exists && want == nil {
		want, contentChanged = []byte{}, true
	}
	modeChanged := false
	if mode != 0 && exists {
		if info, err := os.Stat(path); err == nil && info.Mode().Perm() != mode {
			modeChanged = true
		}
	}
	changed := contentChanged || modeChanged
	if checkMode || !changed {
		return changed, "", nil
	}

	var backed string
	if contentChanged && exists && boolParam(params, "backup", false) {
		now := time.Now
		if o.Now != nil {
			now = o.Now
		}
		if backed, err = backup.File(path, now()); err != nil {
			return false, "", err
		}
	}

	if contentChanged {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return false, backed, fmt.Errorf("create destination directory: %w", err)
		}
		perm := mode
		if perm == 0 {
			perm = 0o644
		}
		if err := writeFileAtomic(path, want, perm); err != nil {
			return false, backed, err
		}
	}
	return true, backed, enforcePermissions(path, mode)
}

// desiredContent returns nil when neither content nor src is given, meaning
// only the file's existence (and mode) is managed.
func (o *FileOp) desiredContent(params map[string]any) ([]byte, error) {
	if c, ok := params["content"]; ok {
		return []byte(fmt.Sprint(c)), nil
	}
	src := stringParam(params, "src", "")
	if src == "" {
		return nil, nil
	}
	src = platform.ExpandPath(src)
	if !boolParam(params, "encrypted", false) {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read src: %w", err)
		}
		return data, nil
	}
	if o.Key == nil {
		return nil, fmt.Errorf("encrypted file %s requires an age key (set age.identity or age.passphrase in autorun.yaml)", src)
	}
	ciphertext, err := os.ReadFile(ageutil.EncryptedPath(src))
	if err != nil {
		return nil, fmt.Errorf("read src: %w", err)
	}
	return o.Key.Decrypt(ciphertext)
}

// --- helpers -----------------------------------------------------------------

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".autorun.tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func enforcePermissions(target string, mode os.FileMode) error {
	if mode == 0 {
		return nil
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil
	}
	if info.Mode().Perm() != mode {
		if err := os.Chmod(target, mode); err != nil {
			return fmt.Errorf("chmod %s to %04o: %w", target, mode, err)
		}
	}
	return nil
}

func parseMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}

func createSymlink(abs, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("remove existing destination: %w", err)
		}
	}
	return os.Symlink(abs, dst)
}
