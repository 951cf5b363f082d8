// Package snapshot stores image evidence for recorded attendance events.
//
// Each recorded event gets one JPEG named deterministically from the student
// id and the event time at second resolution:
//
//	<root>/<id>/<id>_<YYYYMMDD>_<HHMMSS>.jpg
//
// Files are written to a temporary name and renamed into place, so a reader
// never sees a half-written image.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio"
	"golang.org/x/image/draw"
)

// ErrNoImage is returned when there is no frame or the region does not
// overlap it.
var ErrNoImage = errors.New("no image data for snapshot")

// Default encoding parameters.
const (
	DefaultSize    = 200
	DefaultQuality = 85
)

// Archive is a directory-backed snapshot store.
type Archive struct {
	root      string
	enrollDir string
	size      int
	quality   int
}

// Option configures an Archive.
type Option func(*Archive)

// WithSize sets the edge length snapshots are scaled to. Zero keeps the
// cropped region at its original size.
func WithSize(px int) Option {
	return func(a *Archive) {
		if px >= 0 {
			a.size = px
		}
	}
}

// WithQuality sets the JPEG quality (1-100).
func WithQuality(q int) Option {
	return func(a *Archive) {
		if q >= 1 && q <= 100 {
			a.quality = q
		}
	}
}

// WithEnrollmentDir sets the directory holding enrollment face images
// (<dir>/<id>/...). RemoveStudent clears it alongside the snapshots.
func WithEnrollmentDir(dir string) Option {
	return func(a *Archive) {
		a.enrollDir = dir
	}
}

// New creates an archive rooted at dir.
func New(root string, opts ...Option) *Archive {
	a := &Archive{root: root, size: DefaultSize, quality: DefaultQuality}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Root returns the archive directory.
func (a *Archive) Root() string { return a.root }

// Ref returns the reference an event for id at ts is stored under. The
// reference is relative to the archive root.
func (a *Archive) Ref(id int64, ts time.Time) string {
	sid := strconv.FormatInt(id, 10)
	return filepath.ToSlash(filepath.Join(sid, fmt.Sprintf("%s_%s.jpg", sid, ts.Format("20060102_150405"))))
}

// Path resolves a reference to a file path.
func (a *Archive) Path(ref string) string {
	return filepath.Join(a.root, filepath.FromSlash(ref))
}

// Store crops region out of frame, scales it and writes it under Ref(id, ts).
// An existing file for the same reference is replaced.
func (a *Archive) Store(ctx context.Context, id int64, ts time.Time, frame image.Image, region image.Rectangle) (string, error) {
	if frame == nil {
		return "", ErrNoImage
	}
	if region.Empty() {
		region = frame.Bounds()
	}
	region = region.Intersect(frame.Bounds())
	if region.Empty() {
		return "", ErrNoImage
	}

	data, err := a.encode(frame, region)
	if err != nil {
		return "", fmt.Errorf("snapshot %d: %w", id, err)
	}

	ref := a.Ref(id, ts)
	path := a.Path(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("snapshot %d: %w", id, err)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("snapshot %d: %w", id, err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("snapshot %d: write %s: %w", id, ref, err)
	}

	slog.Debug("snapshot stored", "student_id", id, "ref", ref, "bytes", len(data))
	return ref, nil
}

// RemoveStudent deletes every snapshot and enrollment image for id.
// Removal is best-effort: failures are logged and the first one returned.
func (a *Archive) RemoveStudent(id int64) error {
	sid := strconv.FormatInt(id, 10)
	dirs := []string{filepath.Join(a.root, sid)}
	if a.enrollDir != "" {
		dirs = append(dirs, filepath.Join(a.enrollDir, sid))
	}

	var first error
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("failed to remove student images", "student_id", id, "dir", dir, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// encode crops and scales the region, then encodes it as JPEG.
func (a *Archive) encode(frame image.Image, region image.Rectangle) ([]byte, error) {
	w, h := region.Dx(), region.Dy()
	if a.size > 0 {
		w, h = a.size, a.size
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if a.size > 0 {
		draw.CatmullRom.Scale(dst, dst.Bounds(), frame, region, draw.Over, nil)
	} else {
		draw.Copy(dst, image.Point{}, frame, region, draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: a.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
