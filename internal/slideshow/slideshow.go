// Package slideshow turns an image post (photo set plus soundtrack) into a
// single portrait video via ffmpeg. Assembly happens inside a per-job work
// directory that the caller hands to the cleanup sweep when done.
package slideshow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DurationPerImage is how long each photo stays on screen.
	DurationPerImage = 4 * time.Second

	// AssembleTimeout bounds one ffmpeg run.
	AssembleTimeout = 5 * time.Minute
)

// Assembler builds slideshow videos under a base work directory.
type Assembler struct {
	baseDir string
	binary  string
	logger  *logrus.Logger
}

func NewAssembler(baseDir string, logger *logrus.Logger) *Assembler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Assembler{baseDir: baseDir, binary: "ffmpeg", logger: logger}
}

// NewWorkDir creates an exclusively-owned directory for one slideshow job.
// The uuid suffix keeps concurrent jobs for the same post apart.
func (a *Assembler) NewWorkDir(contentID, authorID string) (string, error) {
	name := fmt.Sprintf("%s_%s_%s", contentID, authorID, uuid.NewString())
	dir := filepath.Join(a.baseDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

// FetchFile downloads url into path. A partial file is removed on any
// failure so the work dir never holds truncated media.
func FetchFile(ctx context.Context, client *http.Client, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fetch %s: status %d", path, resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Assemble renders imagePaths plus audioPath into outputPath. Each image is
// scaled and padded onto a 1080x1920 black canvas, shown for
// DurationPerImage, and the looped audio is trimmed to the video length.
// Partial output is removed on failure.
func (a *Assembler) Assemble(ctx context.Context, imagePaths []string, audioPath, outputPath string) error {
	if len(imagePaths) == 0 {
		return fmt.Errorf("no images to assemble")
	}
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("audio file missing: %w", err)
	}
	for _, img := range imagePaths {
		if _, err := os.Stat(img); err != nil {
			return fmt.Errorf("image file missing: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, AssembleTimeout)
	defer cancel()

	perImage := int(DurationPerImage / time.Second)
	args := []string{"-y"}
	for _, img := range imagePaths {
		args = append(args, "-loop", "1", "-t", strconv.Itoa(perImage), "-i", img)
	}
	args = append(args, "-stream_loop", "-1", "-i", audioPath)
	args = append(args,
		"-filter_complex", buildFilter(len(imagePaths), perImage),
		"-map", "[vout]",
		"-map", "[aout]",
		"-pix_fmt", "yuv420p",
		"-fps_mode", "cfr",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-c:a", "aac",
		outputPath,
	)

	a.logger.Infof("assembling slideshow with %d images", len(imagePaths))

	cmd := exec.CommandContext(ctx, a.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(outputPath)
		a.logger.WithError(err).Errorf("ffmpeg failed: %s", truncate(string(output), 2048))
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("slideshow assembly timed out after %s", AssembleTimeout)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	a.logger.Infof("slideshow created: %s", outputPath)
	return nil
}

// buildFilter produces the filter graph: per-image scale/pad into a
// portrait frame, concat of all frames, and the audio trimmed to the total
// video duration.
func buildFilter(imageCount, perImageSeconds int) string {
	var parts []string
	var concatInputs strings.Builder

	for i := 0; i < imageCount; i++ {
		parts = append(parts, fmt.Sprintf(
			"[%d:v]scale=w=1080:h=1920:force_original_aspect_ratio=decrease,"+
				"pad=1080:1920:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1[v%d]", i, i))
		fmt.Fprintf(&concatInputs, "[v%d]", i)
	}

	parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[vout]", concatInputs.String(), imageCount))
	parts = append(parts, fmt.Sprintf("[%d:a]atrim=0:%d[aout]", imageCount, imageCount*perImageSeconds))
	return strings.Join(parts, ";")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
