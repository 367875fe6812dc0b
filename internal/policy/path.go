package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveRoot canonicalizes the approved root. The root itself must exist;
// serving with an unresolvable root would make every containment check
// meaningless.
func resolveRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", fmt.Errorf("root path is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// containedPath resolves path against root and verifies the result stays
// inside root. Relative paths are anchored at root; absolute paths are
// taken as-is. Symlinks are followed for every path component that exists
// on disk, so a link inside the root pointing outside it fails containment.
func containedPath(root, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(root, path)
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", fmt.Errorf("path %s escapes approved root", path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes approved root", path)
	}
	return resolved, nil
}

// resolveExisting follows symlinks for the longest existing prefix of path
// and re-joins the non-existing suffix lexically. A brand-new file under an
// existing directory still gets its parent's links resolved.
func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir, base := filepath.Split(filepath.Clean(path))
	dir = filepath.Clean(dir)
	if dir == path {
		// Hit the filesystem root without finding an existing component.
		return filepath.Clean(path), nil
	}
	parent, err := resolveExisting(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, base), nil
}
