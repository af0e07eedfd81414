// Package extractor wraps the external media-extraction engine behind a
// narrow interface: metadata lookup and format download. Engine failures
// are classified into typed kinds so the HTTP layer can map them to
// statuses and trigger egress failover on blocking.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"mediagate/internal/domain"
)

// Engine extracts metadata for a URL and downloads a selected format into
// a caller-provided sink.
type Engine interface {
	Extract(ctx context.Context, url string) (*domain.Metadata, error)
	Download(ctx context.Context, url, formatID string, sink io.WriteCloser) error
}

// CommandEngine shells out to a yt-dlp compatible binary.
type CommandEngine struct {
	binary      string
	cookiesPath string
	classifier  *Classifier
	logger      *logrus.Logger
}

func NewCommandEngine(binary, cookiesPath string, classifier *Classifier, logger *logrus.Logger) *CommandEngine {
	if binary == "" {
		binary = "yt-dlp"
	}
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CommandEngine{
		binary:      binary,
		cookiesPath: cookiesPath,
		classifier:  classifier,
		logger:      logger,
	}
}

// Extract runs the engine in JSON-dump mode and parses the result.
func (e *CommandEngine) Extract(ctx context.Context, url string) (*domain.Metadata, error) {
	args := []string{"--no-warnings", "-J"}
	args = append(args, e.cookieArgs()...)
	args = append(args, url)

	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		classified := e.classifier.Classify(err, stderr.String())
		e.logger.WithError(err).WithField("url", url).
			Warnf("extraction failed: %s", firstLine(stderr.String()))
		return nil, classified
	}

	var md domain.Metadata
	if err := json.Unmarshal(stdout.Bytes(), &md); err != nil {
		return nil, domain.NewError(domain.ErrUpstreamFailure, "failed to parse extraction result",
			fmt.Errorf("decode engine output: %w", err))
	}
	return &md, nil
}

// Download streams the chosen format's bytes into sink by running the
// engine with stdout piped. The sink is always closed: with nil on success
// so the consumer sees a clean end of stream, or via its Abort path on
// failure when it supports one.
func (e *CommandEngine) Download(ctx context.Context, url, formatID string, sink io.WriteCloser) error {
	args := []string{"--no-warnings", "-f", formatID, "-o", "-"}
	args = append(args, e.cookieArgs()...)
	args = append(args, url)

	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		abort(sink, err)
		return fmt.Errorf("open engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		abort(sink, err)
		return fmt.Errorf("start engine: %w", err)
	}

	_, copyErr := io.Copy(sink, stdout)
	if copyErr != nil {
		// Stop reading means the engine could block on a full pipe; kill it
		// so Wait cannot hang.
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	if copyErr != nil {
		// The consumer went away or the queue stalled; the engine has
		// already been killed via the context or a closed pipe.
		abort(sink, copyErr)
		return copyErr
	}
	if waitErr != nil {
		classified := e.classifier.Classify(waitErr, stderr.String())
		abort(sink, classified)
		return classified
	}
	return sink.Close()
}

func (e *CommandEngine) cookieArgs() []string {
	if e.cookiesPath == "" {
		return nil
	}
	if _, err := os.Stat(e.cookiesPath); err != nil {
		return nil
	}
	return []string{"--cookies", e.cookiesPath}
}

// abort pushes err into the sink's terminal slot when supported, falling
// back to a plain close.
func abort(sink io.WriteCloser, err error) {
	if aborter, ok := sink.(interface{ Abort(error) }); ok {
		aborter.Abort(err)
		return
	}
	_ = sink.Close()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

var _ Engine = (*CommandEngine)(nil)
