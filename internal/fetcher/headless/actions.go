package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	enginefetch "github.com/webpeel/webpeel/internal/fetch"
)

const (
	defaultActionWait     = time.Second
	defaultSelectorWait   = 10 * time.Second
	defaultScrollDistance = 800
)

// runAction executes one scripted page action. Screenshot actions write
// into shot so the final capture can be skipped.
func runAction(ctx context.Context, a enginefetch.PageAction, shot *[]byte) error {
	switch a.Type {
	case enginefetch.ActionWait:
		return sleepCtx(ctx, durationOr(a.Duration, defaultActionWait))

	case enginefetch.ActionClick:
		return chromedp.Run(ctx, chromedp.Click(a.Selector, chromedp.ByQuery))

	case enginefetch.ActionFill:
		return chromedp.Run(ctx, chromedp.Tasks{
			chromedp.Focus(a.Selector, chromedp.ByQuery),
			chromedp.SetValue(a.Selector, a.Value, chromedp.ByQuery),
		})

	case enginefetch.ActionSelect:
		return chromedp.Run(ctx, chromedp.Tasks{
			chromedp.SetValue(a.Selector, a.Value, chromedp.ByQuery),
			// SetValue does not fire change; frameworks listen for it.
			chromedp.Evaluate(fmt.Sprintf(
				`document.querySelector(%q).dispatchEvent(new Event('change', {bubbles: true}))`,
				a.Selector), nil),
		})

	case enginefetch.ActionPress:
		return chromedp.Run(ctx, chromedp.KeyEvent(keyFor(a.Value)))

	case enginefetch.ActionHover:
		return chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf(
			`document.querySelector(%q).dispatchEvent(new MouseEvent('mouseover', {bubbles: true}))`,
			a.Selector), nil))

	case enginefetch.ActionScroll:
		if a.Selector != "" {
			return chromedp.Run(ctx, chromedp.ScrollIntoView(a.Selector, chromedp.ByQuery))
		}
		return chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf(
			`window.scrollBy(0, %d)`, defaultScrollDistance), nil))

	case enginefetch.ActionWaitForSelector:
		waitCtx, cancel := context.WithTimeout(ctx, durationOr(a.Duration, defaultSelectorWait))
		defer cancel()
		err := chromedp.Run(waitCtx, chromedp.WaitVisible(a.Selector, chromedp.ByQuery))
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return enginefetch.Timeout("selector %q did not appear within %s", a.Selector, durationOr(a.Duration, defaultSelectorWait))
		}
		return err

	case enginefetch.ActionScreenshot:
		return captureScreenshot(ctx, a.FullPage, shot)

	default:
		return enginefetch.Invalid("unsupported action type %q", a.Type)
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// keyFor maps symbolic key names to DOM key strings. Unknown names pass
// through so single characters can be sent directly.
func keyFor(name string) string {
	switch name {
	case "Enter":
		return kb.Enter
	case "Tab":
		return kb.Tab
	case "Escape":
		return kb.Escape
	case "Backspace":
		return kb.Backspace
	case "Delete":
		return kb.Delete
	case "ArrowUp":
		return kb.ArrowUp
	case "ArrowDown":
		return kb.ArrowDown
	case "ArrowLeft":
		return kb.ArrowLeft
	case "ArrowRight":
		return kb.ArrowRight
	case "PageUp":
		return kb.PageUp
	case "PageDown":
		return kb.PageDown
	case "Home":
		return kb.Home
	case "End":
		return kb.End
	default:
		return name
	}
}
