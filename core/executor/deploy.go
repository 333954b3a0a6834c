package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"charlora/config"
	"charlora/core/models"
	"charlora/core/repository"
	"charlora/storage"
	"charlora/training/frameworks"
)

// ArtifactDeployer copies the trained model into the flat output directory.
type ArtifactDeployer struct {
	outputDir string
	template  string
	suffix    string
	overwrite bool
	artifacts repository.ArtifactStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewArtifactDeployer creates a deploy stage runner. artifacts may be nil.
func NewArtifactDeployer(outputDir string, kohya config.KohyaConfig, overwrite bool, artifacts repository.ArtifactStore, logger *slog.Logger) *ArtifactDeployer {
	suffix := kohya.ArtifactSuffix
	if suffix == "" {
		suffix = ".safetensors"
	}
	return &ArtifactDeployer{
		outputDir: outputDir,
		template:  kohya.ArtifactTemplate,
		suffix:    suffix,
		overwrite: overwrite,
		artifacts: artifacts,
		logger:    logger,
		now:       time.Now,
	}
}

// Deploy places <outputDir>/<name>_<variant>.safetensors. Without overwrite an
// existing file fails the stage with artifact_collision and stays untouched.
func (d *ArtifactDeployer) Deploy(ctx context.Context, js models.JobSpec, trainingDir string, log LogFunc) models.StageResult {
	fail := func(kind models.ErrorKind, detail string, err error) models.StageResult {
		return models.Failed(models.StageCopying, kind, detail, err)
	}

	stem := frameworks.ArtifactStem(d.template, js.CharacterName, js.BaseModel)
	src, err := locateArtifact(trainingDir, stem, d.suffix)
	if err != nil {
		return fail(models.KindStageFailed, "trained model not found", err)
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fail(models.KindStageFailed, "stat trained model", err)
	}

	if err := os.MkdirAll(d.outputDir, 0o755); err != nil {
		return fail(models.KindStageFailed, "create output dir", err)
	}
	dst := filepath.Join(d.outputDir, stem+d.suffix)
	log("Copying to " + dst)

	var n int64
	if d.overwrite {
		n, err = replaceFile(ctx, src, dst)
	} else {
		n, err = createExclusive(ctx, src, dst)
	}
	if errors.Is(err, fs.ErrExist) {
		return fail(models.KindArtifactCollision, "artifact already exists: "+dst, nil)
	}
	if err != nil {
		return fail(models.KindStageFailed, "copy artifact", err)
	}

	dstInfo, err := os.Stat(dst)
	if err != nil {
		return fail(models.KindStageFailed, "stat deployed artifact", err)
	}
	if n != srcInfo.Size() || dstInfo.Size() != srcInfo.Size() {
		os.Remove(dst)
		return fail(models.KindStageFailed, fmt.Sprintf("size mismatch: copied %d of %d bytes", dstInfo.Size(), srcInfo.Size()), nil)
	}

	d.record(ctx, js, models.ArtifactTypeOutput, dst, map[string]interface{}{"size_bytes": dstInfo.Size(), "source": src})
	if p, err := storage.WritePassport(js.WorkDir, storage.NewPassport(js, dst, dstInfo.Size(), d.now())); err != nil {
		d.logger.Warn("passport not written", "job_id", js.ID, "error", err)
	} else {
		d.record(ctx, js, models.ArtifactTypePassport, p, nil)
	}

	log("Done! Use weight 0.7-0.85 in Easy Diffusion.")
	d.logger.Info("artifact deployed", "job_id", js.ID, "path", dst, "bytes", dstInfo.Size())
	return models.Succeeded(models.StageCopying, dst)
}

func (d *ArtifactDeployer) record(ctx context.Context, js models.JobSpec, t models.ArtifactType, uri string, meta map[string]interface{}) {
	if d.artifacts == nil {
		return
	}
	if err := d.artifacts.CreateArtifact(ctx, js.ID, t, uri, meta); err != nil {
		d.logger.Warn("artifact not recorded", "job_id", js.ID, "type", t, "error", err)
	}
}

// locateArtifact prefers <stem><suffix>, then the newest <stem>*<suffix>,
// then the newest *<suffix> in dir.
func locateArtifact(dir, stem, suffix string) (string, error) {
	exact := filepath.Join(dir, stem+suffix)
	if fi, err := os.Stat(exact); err == nil && fi.Mode().IsRegular() {
		return exact, nil
	}
	if p := newestMatch(dir, stem+"*"+suffix); p != "" {
		return p, nil
	}
	if p := newestMatch(dir, "*"+suffix); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no %s file in %s", suffix, dir)
}

func newestMatch(dir, pattern string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, pattern))
	var best string
	var bestTime time.Time
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || !fi.Mode().IsRegular() || strings.HasPrefix(filepath.Base(m), ".") {
			continue
		}
		if best == "" || fi.ModTime().After(bestTime) || (fi.ModTime().Equal(bestTime) && m > best) {
			best, bestTime = m, fi.ModTime()
		}
	}
	return best
}

// createExclusive copies src to a dst that must not exist yet.
func createExclusive(ctx context.Context, src, dst string) (int64, error) {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := copyInto(ctx, out, src)
	if err != nil {
		os.Remove(dst)
	}
	return n, err
}

// replaceFile copies src next to dst and renames it into place.
func replaceFile(ctx context.Context, src, dst string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+"-*.tmp")
	if err != nil {
		return 0, err
	}
	n, err := copyInto(ctx, tmp, src)
	if err != nil {
		os.Remove(tmp.Name())
		return n, err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return n, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return n, err
	}
	return n, nil
}

// copyInto copies src into out, syncs and closes out.
func copyInto(ctx context.Context, out *os.File, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		out.Close()
		return 0, err
	}
	defer in.Close()

	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: in})
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
