package tools

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// browserTextMaxChars caps extracted page text.
const browserTextMaxChars = 100_000

// BrowserTool drives a headless browser for page text and screenshots. The
// browser launches lazily on first use and is shared across calls.
type BrowserTool struct {
	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserTool creates the tool. No browser starts until the first call.
func NewBrowserTool() *BrowserTool {
	return &BrowserTool{}
}

func (t *BrowserTool) Name() string { return "browser" }
func (t *BrowserTool) Description() string {
	return "Open a web page in a headless browser and return its text or a screenshot"
}

func (t *BrowserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The page URL to open",
			},
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"text", "screenshot"},
				"description": "What to capture, default text",
			},
		},
		"required": []string{"url"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]any) *Result {
	url, _ := args["url"].(string)
	if url == "" {
		return ErrorResult("url is required")
	}
	action, _ := args["action"].(string)
	if action == "" {
		action = "text"
	}

	browser, err := t.ensureBrowser()
	if err != nil {
		return ErrorResult(fmt.Sprintf("launch browser: %v", err))
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return ErrorResult(fmt.Sprintf("open page: %v", err))
	}
	defer page.Close()
	page = page.Context(ctx)

	if err := page.Navigate(url); err != nil {
		return ErrorResult(fmt.Sprintf("navigate %s: %v", url, err))
	}
	if err := page.WaitLoad(); err != nil {
		return ErrorResult(fmt.Sprintf("load %s: %v", url, err))
	}

	switch action {
	case "text":
		obj, err := page.Eval(`() => document.body ? document.body.innerText : ""`)
		if err != nil {
			return ErrorResult(fmt.Sprintf("extract text: %v", err))
		}
		text := obj.Value.Str()
		if len(text) > browserTextMaxChars {
			text = text[:browserTextMaxChars] + "\n[page text truncated]"
		}
		return TextResult(text)

	case "screenshot":
		data, err := page.Screenshot(false, nil)
		if err != nil {
			return ErrorResult(fmt.Sprintf("screenshot: %v", err))
		}
		f, err := os.CreateTemp("", "switchboard_shot_*.png")
		if err != nil {
			return ErrorResult(fmt.Sprintf("save screenshot: %v", err))
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return ErrorResult(fmt.Sprintf("save screenshot: %v", err))
		}
		return ImageResult(f.Name(), "image/png", "screenshot of "+url)

	default:
		return ErrorResult(fmt.Sprintf("unknown action %q", action))
	}
}

// Close shuts the shared browser down.
func (t *BrowserTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		t.browser.Close()
		t.browser = nil
	}
}

func (t *BrowserTool) ensureBrowser() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		return t.browser, nil
	}

	u, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, err
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return nil, err
	}
	t.browser = browser
	return browser, nil
}
