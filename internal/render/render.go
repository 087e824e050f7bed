// Package render defines the page-rendering collaborator. Rendering is
// an external concern reached over a narrow contract: give it a URL
// plus options, get back distilled content, a title and a blocked
// flag.
package render

import (
	"context"
	"time"

	"pagerobot/internal/validate"
)

// Page is the rendering result.
type Page struct {
	// Content is the rendered page content handed to extraction.
	Content string

	// Title is the document title.
	Title string

	// Blocked reports that the target refused rendering
	// (bot-detection, 403-class response). Content may still carry
	// the interstitial body.
	Blocked bool

	// Screenshot is a PNG capture, present only when requested.
	Screenshot []byte
}

// Options control a single render.
type Options struct {
	WaitUntil  string
	Timeout    time.Duration
	Headers    map[string]string
	Cookies    []validate.Cookie
	Screenshot bool
}

// Renderer renders web pages.
// The context controls timeout and cancellation; an expired context
// aborts the render.
type Renderer interface {
	Render(ctx context.Context, url string, opts Options) (*Page, error)

	// Close releases rendering resources.
	Close() error
}
