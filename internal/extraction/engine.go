package extraction

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/h2non/bimg"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"paperflow/internal/config"
	"paperflow/internal/domain"
	"paperflow/internal/logger"
)

const pagePrefix = "page"

// Runner запускает внешнюю команду и возвращает её stdout
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// CLIEngine извлекает текст через pdftoppm и tesseract
type CLIEngine struct {
	cfg config.ExtractionConfig
	log *logger.Logger

	run       Runner
	pageCount func(path string) (int, error)
	toPNG     func(data []byte) ([]byte, error)
}

func NewCLIEngine(cfg config.ExtractionConfig, log *logger.Logger) *CLIEngine {
	return &CLIEngine{
		cfg:       cfg,
		log:       log.With("component", "ocr_engine"),
		run:       execRunner,
		pageCount: api.PageCountFile,
		toPNG:     normalizeImage,
	}
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// normalizeImage приводит любое поддерживаемое изображение к PNG
func normalizeImage(data []byte) ([]byte, error) {
	image := bimg.NewImage(data)
	if _, err := image.Size(); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	processed, err := image.Process(bimg.Options{
		Type:           bimg.PNG,
		Interpretation: bimg.InterpretationBW,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	return processed, nil
}

// Extract возвращает текст файла. Для PDF распознаются не больше MaxPages
// первых страниц, тексты страниц идут по порядку и завершаются переводом строки.
func (e *CLIEngine) Extract(ctx context.Context, path, contentType string) (string, error) {
	switch contentType {
	case "application/pdf":
		return e.extractPDF(ctx, path)
	case "image/png", "image/jpeg", "image/tiff":
		return e.extractImage(ctx, path)
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedType, contentType)
	}
}

func (e *CLIEngine) extractPDF(ctx context.Context, path string) (string, error) {
	last := e.cfg.MaxPages
	if n, err := e.pageCount(path); err != nil {
		// pdftoppm часто справляется с файлами, которые pdfcpu не разбирает
		e.log.Warn("failed to count pdf pages", "path", path, "error", err)
	} else if n < last {
		last = n
	}
	if last <= 0 {
		return "", nil
	}

	workDir, err := os.MkdirTemp(filepath.Dir(path), "pages-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	outBase := filepath.Join(workDir, pagePrefix)
	_, err = e.run(ctx, e.cfg.PdftoppmPath,
		"-png",
		"-r", strconv.Itoa(e.cfg.DPI),
		"-f", "1",
		"-l", strconv.Itoa(last),
		path,
		outBase,
	)
	if err != nil {
		return "", fmt.Errorf("failed to render pdf pages: %w", err)
	}

	pages, err := renderedPages(workDir)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("no pages rendered from %s", filepath.Base(path))
	}
	if len(pages) > e.cfg.MaxPages {
		pages = pages[:e.cfg.MaxPages]
	}

	var sb strings.Builder
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := e.ocr(ctx, page)
		if err != nil {
			return "", err
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	e.log.Debug("pdf recognized", "pages", len(pages))
	return sb.String(), nil
}

func (e *CLIEngine) extractImage(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	png, err := e.toPNG(data)
	if err != nil {
		return "", err
	}

	pngPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".ocr.png"
	if err := os.WriteFile(pngPath, png, 0o600); err != nil {
		return "", fmt.Errorf("failed to write normalized image: %w", err)
	}
	defer os.Remove(pngPath)

	return e.ocr(ctx, pngPath)
}

func (e *CLIEngine) ocr(ctx context.Context, imagePath string) (string, error) {
	out, err := e.run(ctx, e.cfg.TesseractPath, imagePath, "stdout", "-l", e.cfg.Language)
	if err != nil {
		return "", fmt.Errorf("failed to recognize %s: %w", filepath.Base(imagePath), err)
	}
	return string(out), nil
}

// renderedPages возвращает PNG страниц в порядке номеров.
// pdftoppm дополняет номер нулями в зависимости от числа страниц,
// поэтому сортировка по имени не годится.
func renderedPages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list rendered pages: %w", err)
	}

	type page struct {
		num  int
		path string
	}
	var pages []page
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, pagePrefix+"-") || filepath.Ext(name) != ".png" {
			continue
		}
		num, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, pagePrefix+"-"), ".png"))
		if err != nil {
			continue
		}
		pages = append(pages, page{num: num, path: filepath.Join(dir, name)})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].num < pages[j].num })

	paths := make([]string, len(pages))
	for i, p := range pages {
		paths[i] = p.path
	}
	return paths, nil
}
