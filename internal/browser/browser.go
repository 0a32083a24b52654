// Package browser is the chromedp-backed tool executor: it exposes the UI
// automation tools to the engine and drives a headless Chrome instance.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/api/schemas"
	"github.com/xkilldash9x/replaykit/internal/config"
)

// Browser owns one Chrome instance for the lifetime of a goal execution.
// Execute and CaptureScreen serialize on the underlying chromedp context.
type Browser struct {
	cfg config.BrowserConfig
	log *zap.Logger

	browserCtx  context.Context
	cancelChain []context.CancelFunc
}

// New launches the browser. Close must be called to tear it down.
func New(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		chromedp.Flag("disable-gpu", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	b := &Browser{
		cfg:         cfg,
		log:         logger.Named("browser"),
		browserCtx:  browserCtx,
		cancelChain: []context.CancelFunc{cancelBrowser, cancelAlloc},
	}
	// Launch eagerly so a broken Chrome install fails here, not mid-goal.
	if err := chromedp.Run(browserCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return b, nil
}

// Close tears down the Chrome instance.
func (b *Browser) Close() {
	for _, cancel := range b.cancelChain {
		cancel()
	}
}

var _ schemas.ToolExecutor = (*Browser)(nil)
var _ schemas.ScreenCapturer = (*Browser)(nil)

// Execute runs one named tool. Every invocation is bounded by the
// configured action timeout.
func (b *Browser) Execute(ctx context.Context, name string, in map[string]any) (*schemas.ExecResult, error) {
	runCtx := b.browserCtx
	if b.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, b.cfg.ActionTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.log.Debug("Executing tool", zap.String("tool", name))
	switch name {
	case "navigate":
		return b.navigate(runCtx, in)
	case "click":
		return b.click(runCtx, in)
	case "type_text":
		return b.typeText(runCtx, in)
	case "wait":
		return b.wait(runCtx, in)
	case "screenshot":
		return b.screenshot(runCtx)
	case "solve_captcha":
		return b.solveCaptcha(runCtx, in)
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

// CaptureScreen grabs the current viewport without running any tool.
func (b *Browser) CaptureScreen(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf []byte
	if err := chromedp.Run(b.browserCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screen capture failed: %w", err)
	}
	return buf, nil
}

func (b *Browser) navigate(ctx context.Context, in map[string]any) (*schemas.ExecResult, error) {
	url, err := stringArg(in, "url")
	if err != nil {
		return nil, err
	}
	if err := chromedp.Run(ctx, chromedp.Navigate(url)); err != nil {
		return nil, fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return b.withScreenshot(ctx, "navigated to "+url)
}

func (b *Browser) click(ctx context.Context, in map[string]any) (*schemas.ExecResult, error) {
	x, err := floatArg(in, "x")
	if err != nil {
		return nil, err
	}
	y, err := floatArg(in, "y")
	if err != nil {
		return nil, err
	}
	if err := chromedp.Run(ctx, chromedp.MouseClickXY(x, y)); err != nil {
		return nil, fmt.Errorf("click at (%.0f, %.0f) failed: %w", x, y, err)
	}
	return b.withScreenshot(ctx, fmt.Sprintf("clicked (%.0f, %.0f)", x, y))
}

func (b *Browser) typeText(ctx context.Context, in map[string]any) (*schemas.ExecResult, error) {
	text, err := stringArg(in, "text")
	if err != nil {
		return nil, err
	}
	action := chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	})
	if err := chromedp.Run(ctx, action); err != nil {
		return nil, fmt.Errorf("typing failed: %w", err)
	}
	return b.withScreenshot(ctx, fmt.Sprintf("typed %d characters", len(text)))
}

func (b *Browser) wait(ctx context.Context, in map[string]any) (*schemas.ExecResult, error) {
	ms, err := floatArg(in, "milliseconds")
	if err != nil {
		return nil, err
	}
	if ms < 0 || ms > 60_000 {
		return nil, fmt.Errorf("wait of %.0fms out of range", ms)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
	return &schemas.ExecResult{Content: fmt.Sprintf("waited %.0fms", ms)}, nil
}

func (b *Browser) screenshot(ctx context.Context) (*schemas.ExecResult, error) {
	return b.withScreenshot(ctx, "captured screenshot")
}

// solveCaptcha types the freshly reasoned answer into the focused field.
func (b *Browser) solveCaptcha(ctx context.Context, in map[string]any) (*schemas.ExecResult, error) {
	answer, err := stringArg(in, "answer")
	if err != nil {
		return nil, err
	}
	action := chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(answer).Do(ctx)
	})
	if err := chromedp.Run(ctx, action); err != nil {
		return nil, fmt.Errorf("captcha entry failed: %w", err)
	}
	return b.withScreenshot(ctx, "submitted captcha answer")
}

// withScreenshot attaches a post-action capture. A failed capture degrades
// to a result without one.
func (b *Browser) withScreenshot(ctx context.Context, content string) (*schemas.ExecResult, error) {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		b.log.Warn("Post-action screenshot failed", zap.Error(err))
		return &schemas.ExecResult{Content: content}, nil
	}
	return &schemas.ExecResult{Content: content, Screenshot: buf}, nil
}

func stringArg(in map[string]any, key string) (string, error) {
	v, ok := in[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing or invalid %q argument", key)
	}
	return v, nil
}

func floatArg(in map[string]any, key string) (float64, error) {
	switch v := in[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	}
	return 0, errors.New("missing or invalid " + key + " argument")
}
