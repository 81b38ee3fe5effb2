package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ErrBrowserNotFound is returned when no browser binary is configured or
// discoverable and no remote browser is set.
var ErrBrowserNotFound = errors.New("render: browser binary not found")

const pageCloseTimeout = 5 * time.Second

// Browser screenshots the document inlined into an HTML page in a headless
// Chromium driven by rod. The browser is launched on first use and shared by
// later renders; each render gets its own page.
type Browser struct {
	bin        string
	controlURL string

	mu       sync.Mutex
	browser  *rod.Browser
	launched *launcher.Launcher
}

// BrowserOption configures the browser backend.
type BrowserOption func(*Browser)

// WithBrowserBinary sets the Chromium executable to launch.
func WithBrowserBinary(path string) BrowserOption {
	return func(b *Browser) {
		b.bin = strings.TrimSpace(path)
	}
}

// WithControlURL connects to an already running browser instead of launching
// one.
func WithControlURL(url string) BrowserOption {
	return func(b *Browser) {
		b.controlURL = strings.TrimSpace(url)
	}
}

// NewBrowser returns the headless browser backend.
func NewBrowser(opts ...BrowserOption) *Browser {
	b := &Browser{}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (*Browser) Name() string { return "browser" }

// connect returns the shared browser, launching or reconnecting when there is
// none or the previous one stopped answering.
func (b *Browser) connect(ctx context.Context) (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		if _, err := b.browser.Context(ctx).Version(); err == nil {
			return b.browser, nil
		}
		_ = b.closeLocked()
	}

	controlURL := b.controlURL
	if controlURL == "" {
		bin := b.bin
		if bin == "" {
			found, ok := launcher.LookPath()
			if !ok {
				return nil, ErrBrowserNotFound
			}
			bin = found
		}
		// The process outlives the render that started it.
		l := launcher.New().Context(context.WithoutCancel(ctx)).Bin(bin).Headless(true).NoSandbox(true)
		url, err := l.Launch()
		if err != nil {
			l.Kill()
			l.Cleanup()
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		b.launched = l
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		_ = b.closeLocked()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	b.browser = browser
	return browser, nil
}

// Close shuts down a browser this backend launched. A remote browser is left
// running.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Browser) closeLocked() error {
	var err error
	if b.browser != nil && b.launched != nil {
		err = b.browser.Close()
	}
	b.browser = nil
	if b.launched != nil {
		b.launched.Kill()
		b.launched.Cleanup()
		b.launched = nil
	}
	return err
}

func (b *Browser) Render(ctx context.Context, req Request) ([]byte, error) {
	shared, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	browser := shared.Context(ctx)

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		// Close even when the render deadline has passed so the shared
		// browser does not accumulate pages.
		_ = page.Context(context.WithoutCancel(ctx)).Timeout(pageCloseTimeout).Close()
	}()

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             req.Width,
		Height:            req.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	if err := page.SetDocumentContent(htmlPage(req)); err != nil {
		return nil, fmt.Errorf("set content: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}
	shot, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			Width:  float64(req.Width),
			Height: float64(req.Height),
			Scale:  1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return shot, nil
}

// htmlPage inlines the SVG root into a page sized to the request. The XML
// prolog is dropped because HTML does not accept it.
func htmlPage(req Request) string {
	svg := req.Document
	if idx := strings.Index(svg, "<svg"); idx > 0 {
		svg = svg[idx:]
	}
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><style>")
	fmt.Fprintf(&b, "html,body{margin:0;padding:0;background:#fff;width:%dpx;height:%dpx;overflow:hidden}", req.Width, req.Height)
	fmt.Fprintf(&b, "svg{display:block;width:%dpx;height:%dpx}", req.Width, req.Height)
	b.WriteString("</style></head><body>")
	b.WriteString(svg)
	b.WriteString("</body></html>")
	return b.String()
}
