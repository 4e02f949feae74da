package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"docuagent/pkg/ai"
)

const (
	// Images smaller than this on either axis are decorative and skipped.
	minImageDimension = 150

	imageDescriptionMarker = "--- [Image Description] ---"

	defaultPageConcurrency = 5
)

// PageText is the combined content of one PDF page: plain text plus any
// image descriptions appended as marked blocks.
type PageText struct {
	Number int
	Text   string
}

// Extractor turns raw PDF bytes into per-page text. When a describer is
// configured, page images at least minImageDimension pixels on both axes
// are sent to it and the descriptions are appended to the page text.
type Extractor struct {
	describer       ai.Describer
	pageConcurrency int
	logger          *slog.Logger
}

func NewExtractor(describer ai.Describer, pageConcurrency int, logger *slog.Logger) *Extractor {
	if pageConcurrency <= 0 {
		pageConcurrency = defaultPageConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{describer: describer, pageConcurrency: pageConcurrency, logger: logger}
}

// ExtractPages processes all pages concurrently and returns the non-empty
// ones in page order.
func (e *Extractor) ExtractPages(ctx context.Context, data []byte) ([]PageText, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	totalPages := reader.NumPage()
	results := make([]PageText, totalPages)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.pageConcurrency)
	for i := 1; i <= totalPages; i++ {
		g.Go(func() error {
			results[i-1] = e.extractPage(gctx, reader, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pages := make([]PageText, 0, totalPages)
	for _, p := range results {
		if p.Text != "" {
			pages = append(pages, p)
		}
	}
	return pages, nil
}

// extractPage tolerates panics from malformed page objects. The pdf library
// panics while resolving broken indirect references, and one bad page must
// degrade to nothing rather than take down the worker.
func (e *Extractor) extractPage(ctx context.Context, reader *pdf.Reader, number int) (result PageText) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("page extraction failed", "page", number, "panic", r)
			result = PageText{}
		}
	}()
	page := reader.Page(number)
	if page.V.IsNull() {
		return PageText{}
	}
	return PageText{Number: number, Text: e.pageContent(ctx, page, number)}
}

func (e *Extractor) pageContent(ctx context.Context, page pdf.Page, number int) string {
	text, err := page.GetPlainText(nil)
	if err != nil {
		e.logger.Warn("page text extraction failed", "page", number, "error", err)
		text = ""
	}
	text = normalizeText(text)

	parts := []string{}
	if text != "" {
		parts = append(parts, text)
	}
	for _, description := range e.describePageImages(ctx, page, number) {
		parts = append(parts, imageDescriptionMarker+"\n"+description)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func (e *Extractor) describePageImages(ctx context.Context, page pdf.Page, number int) (descriptions []string) {
	if e.describer == nil {
		return nil
	}
	// XObject resolution panics on malformed objects; a recover here keeps
	// the page text while dropping its images
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("page image walk failed", "page", number, "panic", r)
		}
	}()
	for _, image := range pageImages(page) {
		description, err := e.describer.DescribeImage(ctx, image)
		if err != nil {
			e.logger.Warn("image description failed", "page", number, "error", err)
			continue
		}
		if description != "" {
			descriptions = append(descriptions, description)
		}
	}
	return descriptions
}

// pageImages collects JPEG image XObjects big enough to carry content.
func pageImages(page pdf.Page) [][]byte {
	resources := page.V.Key("Resources")
	if resources.IsNull() {
		return nil
	}
	xobjects := resources.Key("XObject")
	if xobjects.Kind() != pdf.Dict && xobjects.Kind() != pdf.Stream {
		return nil
	}
	var images [][]byte
	for _, name := range xobjects.Keys() {
		obj := xobjects.Key(name)
		if obj.Kind() != pdf.Stream {
			continue
		}
		if obj.Key("Subtype").Name() != "Image" {
			continue
		}
		if !contentImage(obj.Key("Width").Int64(), obj.Key("Height").Int64()) {
			continue
		}
		data := readImageStream(obj)
		if !isJPEG(data) {
			continue
		}
		images = append(images, data)
	}
	return images
}

// readImageStream tolerates panics from unsupported stream filters.
func readImageStream(v pdf.Value) (data []byte) {
	defer func() {
		if recover() != nil {
			data = nil
		}
	}()
	rc := v.Reader()
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}
	return raw
}

// contentImage filters out decorative assets such as icons and rules.
func contentImage(width, height int64) bool {
	return width >= minImageDimension && height >= minImageDimension
}

func isJPEG(data []byte) bool {
	return len(data) > 2 && data[0] == 0xff && data[1] == 0xd8
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}
