package pathsafe

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestIsWithinRoot(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	if !IsWithinRoot(root, sub) {
		t.Errorf("expected %s to be within %s", sub, root)
	}
	if !IsWithinRoot(root, root) {
		t.Error("root should be within itself")
	}
	if IsWithinRoot(root, filepath.Dir(root)) {
		t.Error("parent of root must not be within root")
	}
	if IsWithinRoot(root, filepath.Join(root, "..", "elsewhere")) {
		t.Error("dot-dot escape must not be within root")
	}

	// A path that does not exist yet still resolves against its ancestors.
	if !IsWithinRoot(root, filepath.Join(root, "not", "created", "yet")) {
		t.Error("non-existing descendant should count as within root")
	}
}

func TestIsWithinRootRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	if IsWithinRoot(root, link) {
		t.Error("symlink pointing outside root must be rejected")
	}
	if IsWithinRoot(root, filepath.Join(link, "file.pdf")) {
		t.Error("descendant of an escaping symlink must be rejected")
	}
}

func TestNextOutputPathSuffixes(t *testing.T) {
	dir := t.TempDir()

	first, err := NextOutputPath(dir, "report")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(first) != "report.pdf" {
		t.Fatalf("first name = %s, want report.pdf", filepath.Base(first))
	}
	if err := os.WriteFile(first, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := NextOutputPath(dir, "report")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(second) != "report_2.pdf" {
		t.Fatalf("second name = %s, want report_2.pdf", filepath.Base(second))
	}
	if err := os.WriteFile(second, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	third, err := NextOutputPath(dir, "report")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(third) != "report_3.pdf" {
		t.Fatalf("third name = %s, want report_3.pdf", filepath.Base(third))
	}
}

func TestNextOutputPathRefusesSymlinkDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	base := t.TempDir()
	real := filepath.Join(base, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "linkdir")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	if _, err := NextOutputPath(link, "report"); !errors.Is(err, ErrUnsafeOutput) {
		t.Errorf("err = %v, want ErrUnsafeOutput", err)
	}
}

func TestCheckOutputPathRefusesSymlinkTarget(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	victim := filepath.Join(dir, "victim.pdf")
	if err := os.WriteFile(victim, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	planted := filepath.Join(dir, "out.pdf")
	if err := os.Symlink(victim, planted); err != nil {
		t.Fatal(err)
	}

	if err := CheckOutputPath(planted); !errors.Is(err, ErrUnsafeOutput) {
		t.Fatalf("err = %v, want ErrUnsafeOutput", err)
	}

	// The symlink target must be untouched after the refusal.
	data, err := os.ReadFile(victim)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Error("symlink target was modified")
	}
}

func TestCheckOutputPathRejectsNonPDF(t *testing.T) {
	if err := CheckOutputPath(filepath.Join(t.TempDir(), "out.txt")); !errors.Is(err, ErrNotPDF) {
		t.Errorf("err = %v, want ErrNotPDF", err)
	}
}

func TestCleanupTempDir(t *testing.T) {
	tempRoot := t.TempDir()
	taskDir := filepath.Join(tempRoot, "a1b2c3d4e5f6")
	if err := os.MkdirAll(filepath.Join(taskDir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := CleanupTempDir(tempRoot, taskDir); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if _, err := os.Stat(taskDir); !os.IsNotExist(err) {
		t.Error("task dir should be gone")
	}
}

func TestCleanupTempDirRefusesOutsiders(t *testing.T) {
	tempRoot := t.TempDir()
	other := t.TempDir()

	if err := CleanupTempDir(tempRoot, other); !errors.Is(err, ErrOutsideTempRoot) {
		t.Errorf("err = %v, want ErrOutsideTempRoot", err)
	}
	if err := CleanupTempDir(tempRoot, tempRoot); !errors.Is(err, ErrOutsideTempRoot) {
		t.Errorf("removing the root itself: err = %v, want ErrOutsideTempRoot", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("outside dir must survive the refused cleanup")
	}
}

func TestSniffPDF(t *testing.T) {
	dir := t.TempDir()
	pdf := filepath.Join(dir, "ok.pdf")
	if err := os.WriteFile(pdf, []byte("%PDF-1.7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := SniffPDF(pdf); err != nil {
		t.Errorf("valid header rejected: %v", err)
	}

	fake := filepath.Join(dir, "fake.pdf")
	if err := os.WriteFile(fake, []byte("MZ not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := SniffPDF(fake); !errors.Is(err, ErrNotPDF) {
		t.Errorf("err = %v, want ErrNotPDF", err)
	}
}

func TestSanitizeFilePart(t *testing.T) {
	cases := map[string]string{
		"Invoice 2024/Q1":  "Invoice_2024_Q1",
		"___":              "job",
		"":                 "job",
		"already-safe_1":   "already-safe_1",
		"späße und mehr":   "sp__e_und_mehr",
		"..//etc//passwd":  "etc__passwd",
	}
	for in, want := range cases {
		if got := SanitizeFilePart(in); got != want {
			t.Errorf("SanitizeFilePart(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeTaskID(t *testing.T) {
	if got := SanitizeTaskID("a1b2c3d4e5f6"); got != "a1b2c3d4e5f6" {
		t.Errorf("valid id rewritten to %q", got)
	}
	for _, bad := range []string{"../../etc", "ABCDEF123456", "short", ""} {
		if got := SanitizeTaskID(bad); got != "task" {
			t.Errorf("SanitizeTaskID(%q) = %q, want task", bad, got)
		}
	}
}
