// Package pathsafe holds the path policies every other component defers to:
// containment checks against a root directory, symlink refusal around output
// files, collision-free output naming, and temp cleanup that can never reach
// outside the temp root.
package pathsafe

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrUnsafeOutput    = errors.New("refusing symlink output path")
	ErrOutsideTempRoot = errors.New("cleanup target is outside the temp root")
	ErrNotPDF          = errors.New("file is not a PDF")
	ErrNameExhausted   = errors.New("could not allocate a free output filename")
)

// maxNameSuffix bounds the collision scan in NextOutputPath.
const maxNameSuffix = 100000

var pdfMagic = []byte{0x25, 0x50, 0x44, 0x46} // %PDF

// Resolve follows symlinks in path's deepest existing ancestor and rejoins
// the non-existing remainder, so paths that are not on disk yet still get a
// canonical form.
func Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	remainder := ""
	current := abs
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Join(current, remainder), nil
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// IsWithinRoot reports whether path resolves to root itself or a descendant
// of root after symlink resolution on both sides.
func IsWithinRoot(root, path string) bool {
	rootResolved, err := Resolve(root)
	if err != nil {
		return false
	}
	pathResolved, err := Resolve(path)
	if err != nil {
		return false
	}
	if pathResolved == rootResolved {
		return true
	}
	rel, err := filepath.Rel(rootResolved, pathResolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CheckOutputPath refuses to write through a planted symlink: neither the
// output file itself nor its parent directory may be a symlink, and the
// target must carry a .pdf extension.
func CheckOutputPath(path string) error {
	if strings.ToLower(filepath.Ext(path)) != ".pdf" {
		return fmt.Errorf("%w: %s", ErrNotPDF, path)
	}
	if isSymlink(path) {
		return fmt.Errorf("%w: %s", ErrUnsafeOutput, path)
	}
	if isSymlink(filepath.Dir(path)) {
		return fmt.Errorf("%w: parent of %s", ErrUnsafeOutput, path)
	}
	return nil
}

// NextOutputPath creates targetDir if needed and returns the first unused
// name for stem inside it: stem.pdf, then stem_2.pdf, stem_3.pdf and so on.
// Symlinks count as used so a planted link never becomes the write target.
func NextOutputPath(targetDir, stem string) (string, error) {
	if isSymlink(targetDir) {
		return "", fmt.Errorf("%w: output directory %s", ErrUnsafeOutput, targetDir)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	if isSymlink(targetDir) {
		return "", fmt.Errorf("%w: output directory %s", ErrUnsafeOutput, targetDir)
	}

	candidate := filepath.Join(targetDir, stem+".pdf")
	if !pathPresent(candidate) {
		return candidate, nil
	}
	for idx := 2; idx <= maxNameSuffix; idx++ {
		alt := filepath.Join(targetDir, fmt.Sprintf("%s_%d.pdf", stem, idx))
		if !pathPresent(alt) {
			return alt, nil
		}
	}
	return "", ErrNameExhausted
}

// CleanupTempDir removes dir recursively, but only when dir verifiably lives
// under tempRoot. Anything else is a caller bug and is refused outright.
func CleanupTempDir(tempRoot, dir string) error {
	if !IsWithinRoot(tempRoot, dir) {
		return fmt.Errorf("%w: %s", ErrOutsideTempRoot, dir)
	}
	resolved, err := Resolve(dir)
	if err != nil {
		return err
	}
	rootResolved, err := Resolve(tempRoot)
	if err != nil {
		return err
	}
	if resolved == rootResolved {
		return fmt.Errorf("%w: refusing to remove the temp root itself", ErrOutsideTempRoot)
	}
	return os.RemoveAll(resolved)
}

// SniffPDF confirms the file starts with the PDF magic bytes.
func SniffPDF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buffer := make([]byte, len(pdfMagic))
	n, err := f.Read(buffer)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotPDF, path)
	}
	if !bytes.HasPrefix(buffer[:n], pdfMagic) {
		return fmt.Errorf("%w: %s", ErrNotPDF, path)
	}
	return nil
}

// SanitizeFilePart reduces value to characters safe inside a filename.
func SanitizeFilePart(value string) string {
	var b strings.Builder
	for _, ch := range value {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "job"
	}
	return out
}

var taskIDPattern = regexp.MustCompile(`^[a-f0-9]{8,32}$`)

// SanitizeTaskID returns value when it looks like a hex task id, otherwise a
// neutral placeholder. Task ids namespace temp and log paths, so they must
// never carry path separators.
func SanitizeTaskID(value string) string {
	if taskIDPattern.MatchString(value) {
		return value
	}
	return "task"
}

func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

func pathPresent(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
