package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 探测本机是否有可用的无头浏览器，结果缓存。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

// Snapshot 把已生成的 HTML 报告截成 PNG，便于归档或外发。
// 依赖本机 Chrome/Chromium；不可用时返回错误，调用方按可选能力处理。
func Snapshot(ctx context.Context, htmlPath string) (string, error) {
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return "", fmt.Errorf("无头浏览器不可用: %w", err)
	}
	html, err := os.ReadFile(htmlPath)
	if err != nil {
		return "", err
	}
	png, err := renderHTMLToPNG(ctx, html, chartWidthPx+100, 2*chartHeightPx+600)
	if err != nil {
		return "", fmt.Errorf("渲染 PNG 失败: %w", err)
	}
	pngPath := strings.TrimSuffix(htmlPath, ".html") + ".png"
	if err := os.WriteFile(pngPath, png, 0o644); err != nil {
		return "", err
	}
	return pngPath, nil
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
