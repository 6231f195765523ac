package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"riskmate/api/internal/telemetry"
)

// Renderer turns a complete HTML document into PDF bytes.
type Renderer interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
}

const (
	defaultRenderTimeout = 30 * time.Second
	// Chrome rejects URLs above 2MB; larger documents are injected instead.
	maxDataURLBytes = 1 << 20
)

var chromeBinaries = []string{"chromium-browser", "chromium", "google-chrome", "headless-shell"}

// ChromeRenderer prints HTML with headless Chrome. With a websocket URL it
// drives a remote rendering service, otherwise it starts a local browser.
type ChromeRenderer struct {
	wsURL   string
	timeout time.Duration
}

func NewChromeRenderer(wsURL string) *ChromeRenderer {
	return &ChromeRenderer{wsURL: strings.TrimSpace(wsURL), timeout: defaultRenderTimeout}
}

func (c *ChromeRenderer) RenderPDF(ctx context.Context, html string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	allocCtx, cancelAlloc, err := c.allocator(ctx)
	if err != nil {
		return nil, err
	}
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	started := time.Now()
	var pdfData []byte
	err = chromedp.Run(taskCtx,
		loadDocument(html),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.5). // Letter size
				WithPaperHeight(11.0).
				WithMarginTop(0.5).
				WithMarginBottom(0.5).
				WithMarginLeft(0.5).
				WithMarginRight(0.5).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	m := telemetry.GetMetrics()
	m.PDFsRenderedTotal.Add(ctx, 1)
	m.PDFRenderDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	return pdfData, nil
}

func (c *ChromeRenderer) allocator(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.wsURL != "" {
		allocCtx, cancel := chromedp.NewRemoteAllocator(ctx, c.wsURL)
		return allocCtx, cancel, nil
	}

	execPath := ""
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			execPath = path
			break
		}
	}
	if execPath == "" {
		return nil, nil, fmt.Errorf("%w: chromium not installed and PDF_RENDERER_WS_URL not set", ErrRendererUnavailable)
	}

	// Chrome options for headless mode in container
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return allocCtx, cancel, nil
}

func loadDocument(html string) chromedp.Action {
	if len(html) <= maxDataURLBytes {
		return chromedp.Navigate("data:text/html;charset=utf-8," + percentEncodeForDataURL(html))
	}
	return chromedp.Tasks{
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
	}
}

// percentEncodeForDataURL encodes a string for use in a data URL.
// Unlike url.QueryEscape it encodes spaces as %20.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z',
			b >= 'A' && b <= 'Z',
			b >= '0' && b <= '9',
			b == '-', b == '_', b == '.', b == '~':
			// Unreserved characters per RFC 3986
			result.WriteByte(b)
		default:
			fmt.Fprintf(&result, "%%%02X", b)
		}
	}
	return result.String()
}

// sanitizeFilename creates a safe filename stem from a title.
func sanitizeFilename(title string) string {
	var result strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result.WriteRune(r)
		case r == ' ':
			result.WriteByte('-')
		case r == '-', r == '_':
			result.WriteRune(r)
		}
		if result.Len() >= 50 {
			break
		}
	}
	if result.Len() == 0 {
		return "document"
	}
	return result.String()
}
