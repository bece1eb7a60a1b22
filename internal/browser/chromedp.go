// Package browser provides browsing sessions backed by headless Chrome.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

// Config controls the headless browser.
type Config struct {
	// MaxParallel bounds concurrently open sessions. Zero means unbounded.
	MaxParallel       int
	Headless          bool
	ExecPath          string
	UserAgent         string
	AcceptLanguage    string
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
	// SettleDelay is how long WaitNavigation lets a submitted form start
	// navigating before it waits for the new document.
	SettleDelay time.Duration
	// BlockedURLs are URL patterns the tab never fetches. Nil uses
	// DefaultBlockedURLs.
	BlockedURLs []string
}

// DefaultBlockedURLs skips images and fonts, which the lookups never read.
var DefaultBlockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg",
	"*.woff", "*.woff2", "*.ttf", "*.ico",
}

// hideWebdriver runs before any page script so the sites do not see the
// automation flag.
const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// Chromedp implements consulta.Browser with one tab per session.
type Chromedp struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a browser backed by chromedp. The Chrome process starts
// lazily with the first session.
func NewChromedp(cfg Config, logger *zap.Logger) (*Chromedp, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Chromedp{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("browser"),
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.SelectorTimeout <= 0 {
		cfg.SelectorTimeout = 10 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.BlockedURLs == nil {
		cfg.BlockedURLs = DefaultBlockedURLs
	}
	return cfg
}

// Close shuts the browser process down.
func (b *Chromedp) Close() {
	b.allocCancel()
}

// WithSession opens a tab, runs fn against it, and closes the tab on every
// exit path. Teardown failures are logged and never returned.
func (b *Chromedp) WithSession(ctx context.Context, fn func(context.Context, consulta.Session) error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	stop := context.AfterFunc(ctx, tabCancel)
	defer func() {
		stop()
		if err := chromedp.Cancel(tabCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("close browser tab failed", zap.Error(err))
		}
		tabCancel()
	}()

	if err := chromedp.Run(tabCtx, b.setupAction()); err != nil {
		return fmt.Errorf("open browser session: %w", err)
	}
	return fn(tabCtx, &session{tab: tabCtx, cfg: b.cfg})
}

func (b *Chromedp) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(b.cfg.BlockedURLs) > 0 {
			if err := network.SetBlockedURLs(b.cfg.BlockedURLs).Do(ctx); err != nil {
				return fmt.Errorf("set blocked urls: %w", err)
			}
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriver).Do(ctx); err != nil {
			return fmt.Errorf("mask webdriver: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).
				WithAcceptLanguage(b.cfg.AcceptLanguage).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if b.cfg.AcceptLanguage != "" {
			headers := toNetworkHeaders(http.Header{"Accept-Language": {b.cfg.AcceptLanguage}})
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (b *Chromedp) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Chromedp) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

type session struct {
	tab context.Context
	cfg Config
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (s *session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (s *session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.SelectorTimeout
	}
	if err := s.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait visible %s: %w", selector, err)
	}
	return nil
}

func (s *session) SelectOption(ctx context.Context, selector, value string) error {
	err := s.run(ctx, s.cfg.SelectorTimeout,
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(dispatchScript(selector, "change"), nil),
	)
	if err != nil {
		return fmt.Errorf("select %s: %w", selector, err)
	}
	return nil
}

func (s *session) Type(ctx context.Context, selector, text string) error {
	err := s.run(ctx, s.cfg.SelectorTimeout,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

func (s *session) Evaluate(ctx context.Context, script string) error {
	if err := s.run(ctx, s.cfg.SelectorTimeout, chromedp.Evaluate(script, nil)); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

func (s *session) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, s.cfg.SelectorTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (s *session) WaitNavigation(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.NavigationTimeout
	}
	err := s.run(ctx, timeout,
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("wait for result page: %w", err)
	}
	return nil
}

func (s *session) Text(ctx context.Context) (string, error) {
	var text string
	if err := s.run(ctx, s.cfg.SelectorTimeout, chromedp.Text("body", &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page text: %w", err)
	}
	return text, nil
}

func (s *session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.cfg.SelectorTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page markup: %w", err)
	}
	return html, nil
}

// dispatchScript fires a bubbling DOM event on the first element matching selector.
func dispatchScript(selector, event string) string {
	sel, _ := json.Marshal(selector)
	ev, _ := json.Marshal(event)
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (el) { el.dispatchEvent(new Event(%s, { bubbles: true })); }
	return true;
})()`, sel, ev)
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
