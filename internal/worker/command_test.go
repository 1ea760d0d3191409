package worker

import (
	"strings"
	"testing"

	"github.com/readydave/ocrestra/internal/task"
)

func argsContain(args []string, want ...string) bool {
	joined := " " + strings.Join(args, " ") + " "
	return strings.Contains(joined, " "+strings.Join(want, " ")+" ")
}

func TestBuildOCRArgsSmartMode(t *testing.T) {
	args := buildOCRArgs("/in.pdf", "/out.pdf", task.Options{}, false)

	if !argsContain(args, "--jobs", "1") {
		t.Error("workers must run the tool single-threaded")
	}
	if !argsContain(args, "--skip-text") {
		t.Error("smart mode uses --skip-text")
	}
	if argsContain(args, "--force-ocr") {
		t.Error("smart mode must not force OCR")
	}
	if !argsContain(args, "--ocr-engine", "tesseract") {
		t.Error("CPU mode pins the tesseract engine")
	}
	if args[len(args)-2] != "/in.pdf" || args[len(args)-1] != "/out.pdf" {
		t.Errorf("input/output must be the trailing args, got %v", args[len(args)-2:])
	}
}

func TestBuildOCRArgsForceGPUAndSize(t *testing.T) {
	opts := task.Options{ForceOCR: true, UseGPU: true, OptimizeForSize: true}
	args := buildOCRArgs("/in.pdf", "/out.pdf", opts, true)

	if !argsContain(args, "--force-ocr") {
		t.Error("force mode missing --force-ocr")
	}
	if !argsContain(args, "--pdf-renderer", "sandwich") {
		t.Error("GPU mode requires the sandwich renderer")
	}
	if argsContain(args, "--ocr-engine", "tesseract") {
		t.Error("GPU mode must not pin tesseract")
	}
	if !argsContain(args, "-O", "2") || !argsContain(args, "--jpeg-quality", "75") {
		t.Error("size profile flags missing")
	}
	if !argsContain(args, "--plugin", "ocrmypdf_easyocr") {
		t.Error("GPU plugin flag missing")
	}

	withoutPlugin := buildOCRArgs("/in.pdf", "/out.pdf", opts, false)
	if argsContain(withoutPlugin, "--plugin", "ocrmypdf_easyocr") {
		t.Error("plugin flag present despite includeGPUPlugin=false")
	}
}
