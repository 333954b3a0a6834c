package executor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"charlora/core/models"
	"charlora/training/frameworks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writePNG writes a flat-colored w×h PNG.
func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 180, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write png: %v", err)
	}
}

// newJobDir creates <tmp>/<id>/raw with n images.
func newJobDir(t *testing.T, n int) models.JobSpec {
	t.Helper()
	work := filepath.Join(t.TempDir(), "job-1")
	raw := filepath.Join(work, RawDir)
	if err := os.MkdirAll(raw, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < n; i++ {
		writePNG(t, filepath.Join(raw, "ref"+strconv.Itoa(i)+".png"), 40+i, 30)
	}
	return models.JobSpec{
		ID:            "job-1",
		CharacterName: "alice",
		TriggerToken:  "svtchar",
		BaseModel:     "ds8",
		Config:        models.TrainingConfig{Resolution: 64, NetworkDim: 8, Steps: 10, UnetOnly: true},
		WorkDir:       work,
	}
}

func countFiles(t *testing.T, dir, ext string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(p) == ext {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return n
}

// scriptedProcess replays fixed output and exits with code.
type scriptedProcess struct {
	out  io.Reader
	code int
}

func (p *scriptedProcess) Output() io.Reader { return p.out }

func (p *scriptedProcess) Wait() error {
	if p.code != 0 {
		return &ExitError{Code: p.code}
	}
	return nil
}

// fakeBackend records calls and plays a scripted training run.
type fakeBackend struct {
	sizeErr   error
	size      int64
	output    string
	exitCode  int
	produce   map[string]string // files written into the output dir by Collect
	startArgv []string
	collected bool
}

func (b *fakeBackend) Name() string               { return "fake" }
func (b *fakeBackend) Ping(context.Context) error { return nil }

func (b *fakeBackend) FileSize(context.Context, string) (int64, error) {
	return b.size, b.sizeErr
}

func (b *fakeBackend) Stage(_ context.Context, l Launch) (frameworks.TrainingPaths, error) {
	return frameworks.TrainingPaths{BaseModel: l.BaseModel, DatasetDir: l.DatasetDir, OutputDir: l.OutputDir}, nil
}

func (b *fakeBackend) Start(_ context.Context, _ Launch, cmd *frameworks.TrainingCommand) (Process, error) {
	b.startArgv = cmd.Argv
	return &scriptedProcess{out: bytes.NewBufferString(b.output), code: b.exitCode}, nil
}

func (b *fakeBackend) Collect(_ context.Context, l Launch, _ frameworks.TrainingPaths) error {
	b.collected = true
	for name, body := range b.produce {
		if err := os.WriteFile(filepath.Join(l.OutputDir, name), []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}
