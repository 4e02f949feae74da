package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
)

type fakeDescriber struct {
	mu       sync.Mutex
	calls    int
	response string
	err      error
}

func (d *fakeDescriber) DescribeImage(ctx context.Context, image []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	return d.response, nil
}

// makePDF assembles a minimal PDF from numbered object bodies, computing the
// xref table from the actual byte offsets. xrefOverrides repoints an object's
// xref entry at another object's offset, modeling a file whose table is wrong.
func makePDF(objects []string, xrefOverrides map[int]int) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects)+1)
	for i, obj := range objects {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	for num, target := range xrefOverrides {
		offsets[num] = offsets[target]
	}
	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xrefOffset)
	return buf.Bytes()
}

func contentObj(text string) string {
	data := fmt.Sprintf("BT (%s) Tj ET", text)
	return fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(data), data)
}

func imageObj(width, height int, data string) string {
	return fmt.Sprintf("<< /Subtype /Image /Width %d /Height %d /Length %d >>\nstream\n%s\nendstream",
		width, height, len(data), data)
}

const jpegData = "\xff\xd8\xffJFIFpayload"

func TestExtractPagesKeepsPageOrderUnderConcurrency(t *testing.T) {
	data := makePDF([]string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R 4 0 R 5 0 R] /Count 3 >>",
		"<< /Type /Page /Parent 2 0 R /Contents 6 0 R >>",
		"<< /Type /Page /Parent 2 0 R /Contents 7 0 R >>",
		"<< /Type /Page /Parent 2 0 R /Contents 8 0 R >>",
		contentObj("page one"),
		contentObj("page two"),
		contentObj("page three"),
	}, nil)

	e := NewExtractor(nil, 3, slog.Default())
	pages, err := e.ExtractPages(context.Background(), data)
	if err != nil {
		t.Fatalf("ExtractPages: %v", err)
	}
	want := []PageText{
		{Number: 1, Text: "page one"},
		{Number: 2, Text: "page two"},
		{Number: 3, Text: "page three"},
	}
	if len(pages) != len(want) {
		t.Fatalf("pages = %+v, want %d entries", pages, len(want))
	}
	for i, p := range pages {
		if p != want[i] {
			t.Errorf("pages[%d] = %+v, want %+v", i, p, want[i])
		}
	}
}

func TestExtractPagesAppendsImageDescriptions(t *testing.T) {
	data := makePDF([]string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /Contents 4 0 R /Resources << /XObject << /Im0 5 0 R >> >> >>",
		contentObj("system overview"),
		imageObj(200, 200, jpegData),
	}, nil)

	describer := &fakeDescriber{response: "a chart comparing throughput"}
	e := NewExtractor(describer, 1, slog.Default())
	pages, err := e.ExtractPages(context.Background(), data)
	if err != nil {
		t.Fatalf("ExtractPages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("pages = %+v, want one entry", pages)
	}
	want := "system overview\n\n" + imageDescriptionMarker + "\na chart comparing throughput"
	if pages[0].Text != want {
		t.Errorf("page text = %q, want %q", pages[0].Text, want)
	}
	if describer.calls != 1 {
		t.Errorf("describer calls = %d, want 1", describer.calls)
	}
}

func TestExtractPagesSkipsDecorativeImages(t *testing.T) {
	data := makePDF([]string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /Contents 4 0 R /Resources << /XObject << /Im0 5 0 R /Im1 6 0 R >> >> >>",
		contentObj("body text"),
		imageObj(64, 64, jpegData),
		imageObj(400, 400, "\x89PNGnotjpeg"),
	}, nil)

	describer := &fakeDescriber{response: "never used"}
	e := NewExtractor(describer, 1, slog.Default())
	pages, err := e.ExtractPages(context.Background(), data)
	if err != nil {
		t.Fatalf("ExtractPages: %v", err)
	}
	if len(pages) != 1 || pages[0].Text != "body text" {
		t.Fatalf("pages = %+v, want plain body text", pages)
	}
	if describer.calls != 0 {
		t.Errorf("describer calls = %d, want 0", describer.calls)
	}
}

func TestExtractPagesDescriberFailureKeepsText(t *testing.T) {
	data := makePDF([]string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /Contents 4 0 R /Resources << /XObject << /Im0 5 0 R >> >> >>",
		contentObj("resilient text"),
		imageObj(200, 200, jpegData),
	}, nil)

	describer := &fakeDescriber{err: errors.New("vision model down")}
	e := NewExtractor(describer, 1, slog.Default())
	pages, err := e.ExtractPages(context.Background(), data)
	if err != nil {
		t.Fatalf("ExtractPages: %v", err)
	}
	if len(pages) != 1 || pages[0].Text != "resilient text" {
		t.Fatalf("pages = %+v, want text without description blocks", pages)
	}
	if describer.calls != 1 {
		t.Errorf("describer calls = %d, want 1", describer.calls)
	}
}

func TestExtractPagesToleratesMalformedPageObjects(t *testing.T) {
	// object 7's xref entry points at object 1, so resolving page two's
	// Resources reference panics inside the pdf library
	data := makePDF([]string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R 4 0 R] /Count 2 >>",
		"<< /Type /Page /Parent 2 0 R /Contents 5 0 R >>",
		"<< /Type /Page /Parent 2 0 R /Contents 6 0 R /Resources 7 0 R >>",
		contentObj("good page"),
		contentObj("broken page"),
		"<< >>",
	}, map[int]int{7: 1})

	e := NewExtractor(&fakeDescriber{response: "unused"}, 2, slog.Default())
	pages, err := e.ExtractPages(context.Background(), data)
	if err != nil {
		t.Fatalf("ExtractPages: %v", err)
	}
	if len(pages) != 1 || pages[0].Number != 1 || pages[0].Text != "good page" {
		t.Fatalf("pages = %+v, want only the intact page", pages)
	}
}

func TestContentImageFloor(t *testing.T) {
	cases := []struct {
		name          string
		width, height int64
		want          bool
	}{
		{"both at floor", 150, 150, true},
		{"large image", 1200, 800, true},
		{"narrow", 149, 600, false},
		{"short", 600, 149, false},
		{"icon", 32, 32, false},
		{"zero size", 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := contentImage(tc.width, tc.height); got != tc.want {
				t.Errorf("contentImage(%d, %d) = %v, want %v", tc.width, tc.height, got, tc.want)
			}
		})
	}
}

func TestIsJPEG(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want bool
	}{
		{"jpeg magic", []byte{0xff, 0xd8, 0xff, 0xe0}, true},
		{"png magic", []byte{0x89, 0x50, 0x4e, 0x47, 0x0d}, false},
		{"nil", nil, false},
		{"magic only", []byte{0xff, 0xd8}, false},
		{"empty", []byte{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isJPEG(tc.data); got != tc.want {
				t.Errorf("isJPEG(% x) = %v, want %v", tc.data, got, tc.want)
			}
		})
	}
}
