package executor

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"charlora/core/models"
	"charlora/core/spec"
	"charlora/training/frameworks"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Job directory layout
const (
	RawDir     = "raw"
	DatasetDir = "dataset"
	OutputDir  = "output"
)

// kohya reads "<repeats>_<concept>" folders; each image is seen once per epoch
const datasetRepeats = 1

// DatasetPreparer turns the raw uploads of a job into a kohya_ss dataset.
type DatasetPreparer struct {
	logger *slog.Logger
}

// NewDatasetPreparer creates a prepare stage runner.
func NewDatasetPreparer(logger *slog.Logger) *DatasetPreparer {
	return &DatasetPreparer{logger: logger}
}

// Prepare validates <workdir>/raw, then writes <workdir>/dataset/images/1_<name>/
// with NNN.png squares and NNN.txt captions. The dataset directory is rebuilt
// from scratch on every run.
func (p *DatasetPreparer) Prepare(ctx context.Context, js models.JobSpec, log LogFunc) models.StageResult {
	rawDir := filepath.Join(js.WorkDir, RawDir)
	sources, err := listSources(rawDir)
	if err != nil {
		return models.Failed(models.StagePrepping, models.KindStageFailed, "read uploads", err)
	}
	if err := validateSources(sources); err != nil {
		return models.Failed(models.StagePrepping, models.KindValidation, "", err)
	}

	datasetDir := filepath.Join(js.WorkDir, DatasetDir)
	if err := os.RemoveAll(datasetDir); err != nil {
		return models.Failed(models.StagePrepping, models.KindStageFailed, "clear dataset dir", err)
	}
	imagesDir := filepath.Join(datasetDir, frameworks.DatasetImagesDir, fmt.Sprintf("%d_%s", datasetRepeats, js.CharacterName))
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return models.Failed(models.StagePrepping, models.KindStageFailed, "create dataset dir", err)
	}

	caption := js.TriggerToken + " " + js.CharacterName
	size := js.Config.Resolution
	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return models.Failed(models.StagePrepping, models.KindStageFailed, "prepare interrupted", err)
		}
		base := fmt.Sprintf("%03d", i+1)
		if err := normalizeImage(src, filepath.Join(imagesDir, base+".png"), size); err != nil {
			return models.Failed(models.StagePrepping, models.KindStageFailed, "normalize "+filepath.Base(src), err)
		}
		if err := os.WriteFile(filepath.Join(imagesDir, base+".txt"), []byte(caption), 0o644); err != nil {
			return models.Failed(models.StagePrepping, models.KindStageFailed, "write caption", err)
		}
	}

	log(fmt.Sprintf("Dataset prepared: %d images at %dx%d", len(sources), size, size))
	p.logger.Info("dataset prepared", "job_id", js.ID, "images", len(sources), "dir", datasetDir)
	return models.Succeeded(models.StagePrepping, datasetDir)
}

func listSources(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// validateSources applies the submission checks to files on disk, reading
// only the head of each file.
func validateSources(files []string) error {
	if len(files) < models.MinReferenceImages {
		return &models.ValidationError{
			Field:  "files",
			Reason: fmt.Sprintf("at least %d images are required, got %d", models.MinReferenceImages, len(files)),
		}
	}
	head := make([]byte, 512)
	for _, f := range files {
		n, err := readHead(f, head)
		if err != nil {
			return &models.ValidationError{Field: "files", Reason: fmt.Sprintf("%s: %v", filepath.Base(f), err)}
		}
		if err := spec.CheckImageFormat(f, head[:n]); err != nil {
			return err
		}
	}
	return nil
}

func readHead(path string, buf []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.ReadFull(f, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return n, err
}

// normalizeImage pads src to a square on black and resizes it to size².
func normalizeImage(src, dst string, size int) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return err
	}
	b := img.Bounds()
	side := max(b.Dx(), b.Dy())
	square := imaging.PasteCenter(imaging.New(side, side, color.Black), img)
	return imaging.Save(imaging.Resize(square, size, size, imaging.Lanczos), dst)
}
