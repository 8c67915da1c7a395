// Package merge implements the Merge Stage (§4.I): combining a task's
// completed segment files into the final output file.
//
// The exec.Command invocation shape — build an args slice, run with
// CommandContext, check the exit error, optionally stream stderr under
// debug logging — is grounded on the teacher's
// internal/upscaler/video.go encodeVideo/verifyFFmpeg, adapted here from
// a frame-sequence encode to a concat-mode remux with a binary-concat
// fallback.
package merge

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/jandresen/hlsdl/internal/engineerror"
	"github.com/jandresen/hlsdl/internal/util"
)

// Config holds the merge stage's tunables (§6 advanced.*).
type Config struct {
	FFmpegPath    string
	KeepTempFiles bool
}

// Merger combines ordered segment files into a single output file.
type Merger struct {
	cfg Config
}

// New creates a Merger. An empty cfg.FFmpegPath defaults to "ffmpeg" on PATH.
func New(cfg Config) *Merger {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &Merger{cfg: cfg}
}

// HasMuxer reports whether the configured external muxer is reachable,
// per §4.I's "if an external muxer is available" branch.
func (m *Merger) HasMuxer() bool {
	cmd := exec.Command(m.cfg.FFmpegPath, "-version") // #nosec G204 - path is operator/config controlled
	return cmd.Run() == nil
}

var segmentIndexRe = regexp.MustCompile(`segment_(\d+)\.ts$`)

// OrderSegments sorts paths by the numeric suffix of their filename
// (segment_<i>.ts), falling back to lexicographic order on parse
// failure (§4.I segment ordering).
func OrderSegments(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Slice(out, func(i, j int) bool {
		ni, oki := segmentIndex(out[i])
		nj, okj := segmentIndex(out[j])
		if oki && okj {
			return ni < nj
		}
		return out[i] < out[j]
	})
	return out
}

func segmentIndex(path string) (int, bool) {
	m := segmentIndexRe.FindStringSubmatch(filepath.Base(path))
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Merge combines segments (already ordered) into outputPath per §4.I's
// strategy selection: external-muxer concat mode first, falling back to
// binary TS concatenation, with an optional TS->MP4 remux when the
// output extension demands it and a muxer is available.
func (m *Merger) Merge(ctx context.Context, segments []string, outputPath string) error {
	if len(segments) == 0 {
		return engineerror.New(engineerror.ClassMerge, "", nil, "no segments to merge")
	}
	ordered := OrderSegments(segments)

	if m.HasMuxer() {
		if err := m.concatMode(ctx, ordered, outputPath); err == nil {
			return nil
		} else {
			util.Warnf("merge: concat-mode muxer failed, falling back to binary concat: %v", err)
		}
	}

	tsPath := outputPath + ".ts"
	if err := binaryConcat(ordered, tsPath); err != nil {
		return engineerror.New(engineerror.ClassMerge, "", err, "binary concatenation")
	}

	if strings.EqualFold(filepath.Ext(outputPath), ".mp4") && m.HasMuxer() {
		if err := m.remux(ctx, tsPath, outputPath); err != nil {
			return engineerror.New(engineerror.ClassMerge, "", err, "remux TS to MP4")
		}
		if !m.cfg.KeepTempFiles {
			_ = os.Remove(tsPath)
		}
		return nil
	}

	if err := os.Rename(tsPath, outputPath); err != nil {
		return engineerror.New(engineerror.ClassMerge, "", err, "rename concatenated TS to output")
	}
	return nil
}

// concatMode runs the muxer's concat demuxer with stream copy (§4.I).
func (m *Merger) concatMode(ctx context.Context, segments []string, outputPath string) error {
	listPath := outputPath + ".concat.txt"
	if err := writeConcatList(segments, listPath); err != nil {
		return err
	}
	defer func() {
		if !m.cfg.KeepTempFiles {
			_ = os.Remove(listPath)
		}
	}()

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		filepath.Clean(outputPath),
	}

	// #nosec G204 - FFmpeg path is application/operator controlled
	cmd := exec.CommandContext(ctx, m.cfg.FFmpegPath, args...)
	if util.IsDebug {
		util.Debugf("merge: concat command: %s %v", m.cfg.FFmpegPath, args)
		cmd.Stderr = os.Stderr
	}
	return cmd.Run()
}

// remux converts an intermediate TS file to the final container with a
// stream copy, used when the output extension requires it (§4.I).
func (m *Merger) remux(ctx context.Context, tsPath, outputPath string) error {
	args := []string{"-i", tsPath, "-c", "copy", "-y", filepath.Clean(outputPath)}
	// #nosec G204 - FFmpeg path is application/operator controlled
	cmd := exec.CommandContext(ctx, m.cfg.FFmpegPath, args...)
	if util.IsDebug {
		util.Debugf("merge: remux command: %s %v", m.cfg.FFmpegPath, args)
		cmd.Stderr = os.Stderr
	}
	return cmd.Run()
}

func writeConcatList(segments []string, listPath string) error {
	var b strings.Builder
	for _, s := range segments {
		abs, err := filepath.Abs(s)
		if err != nil {
			abs = s
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return os.WriteFile(listPath, []byte(b.String()), 0o600) // #nosec G306
}

// binaryConcat appends segments' raw bytes into dstPath, the no-muxer
// fallback (§4.I "without a muxer, rename the concatenated TS to the
// output path" — this function produces that intermediate file).
func binaryConcat(segments []string, dstPath string) error {
	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 - caller-controlled output path
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	for _, s := range segments {
		if err := appendFile(out, s); err != nil {
			return errors.Wrapf(err, "append segment %s", s)
		}
	}
	return nil
}

func appendFile(out *os.File, path string) error {
	in, err := os.Open(path) // #nosec G304 - path built from task temp dir
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	_, err = io.Copy(out, in)
	return err
}
