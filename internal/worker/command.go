package worker

import "github.com/readydave/ocrestra/internal/task"

// buildOCRArgs assembles the external tool invocation for one file. Workers
// always run the tool single-threaded; parallelism lives in the scheduler.
func buildOCRArgs(inputPath, outputPath string, opts task.Options, includeGPUPlugin bool) []string {
	args := []string{
		"--jobs", "1",
		"--rotate-pages",
		"--deskew",
	}
	if opts.ForceOCR {
		args = append(args, "--force-ocr")
	} else {
		args = append(args, "--skip-text")
	}
	if opts.UseGPU {
		// The GPU plugin only supports the sandwich renderer.
		args = append(args, "--pdf-renderer", "sandwich")
	} else {
		args = append(args, "--ocr-engine", "tesseract")
	}
	if opts.OptimizeForSize {
		args = append(args, "-O", "2", "--jpeg-quality", "75", "--png-quality", "70")
	}
	if includeGPUPlugin {
		args = append(args, "--plugin", "ocrmypdf_easyocr")
	}
	return append(args, inputPath, outputPath)
}
