package render

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"pagerobot/internal/validate"
)

// Ensure RodRenderer implements Renderer at compile time.
var _ Renderer = (*RodRenderer)(nil)

// blockMarkers are interstitial phrases that mean the target refused
// to serve the real page even though the HTTP exchange succeeded.
var blockMarkers = []string{
	"just a moment...",
	"checking your browser",
	"access denied",
	"verify you are human",
	"captcha",
}

// RodRenderer renders pages with a headless Chrome browser.
// Safe for concurrent use by multiple goroutines; each render gets its
// own page.
type RodRenderer struct {
	browser *rod.Browser
}

// NewRodRenderer launches a headless browser. Close must be called
// when the renderer is no longer needed.
func NewRodRenderer() (*RodRenderer, error) {
	l := launcher.New().Headless(true)
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	return &RodRenderer{browser: browser}, nil
}

// Render navigates to the URL and returns the rendered page.
func (r *RodRenderer) Render(ctx context.Context, url string, opts Options) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := r.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	defer page.Close()

	page = page.Context(ctx)
	if opts.Timeout > 0 {
		page = page.Timeout(opts.Timeout)
	}

	if len(opts.Headers) > 0 {
		pairs := make([]string, 0, len(opts.Headers)*2)
		for k, v := range opts.Headers {
			pairs = append(pairs, k, v)
		}
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			return nil, err
		}
	}

	if len(opts.Cookies) > 0 {
		if err := page.SetCookies(cookieParams(url, opts.Cookies)); err != nil {
			return nil, err
		}
	}

	// Capture the HTTP status of the document response to tell a
	// bot-blocked page apart from a failed render.
	var status int
	waitResponse := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			status = e.Response.Status
			return true
		}
		return false
	})

	if err := page.Navigate(url); err != nil {
		return nil, err
	}
	waitResponse()

	switch opts.WaitUntil {
	case validate.WaitNetworkIdle:
		if err := page.WaitIdle(opts.Timeout); err != nil {
			return nil, err
		}
	default:
		if err := page.WaitLoad(); err != nil {
			return nil, err
		}
	}

	html, err := page.HTML()
	if err != nil {
		return nil, err
	}

	title := ""
	if info, err := page.Info(); err == nil {
		title = info.Title
	}

	out := &Page{
		Content: html,
		Title:   title,
		Blocked: blocked(status, title, html),
	}

	if opts.Screenshot {
		if shot, err := page.Screenshot(false, nil); err == nil {
			out.Screenshot = shot
		}
	}

	return out, nil
}

// Close releases browser resources.
func (r *RodRenderer) Close() error {
	return r.browser.Close()
}

func cookieParams(url string, cookies []validate.Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
		if p.Domain == "" {
			p.URL = url
		}
		params = append(params, p)
	}
	return params
}

func blocked(status int, title, html string) bool {
	if status == 403 || status == 429 || status == 503 {
		return true
	}
	haystack := strings.ToLower(title)
	if len(html) > 4096 {
		html = html[:4096]
	}
	haystack += " " + strings.ToLower(html)
	for _, marker := range blockMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}
