package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
)

const closeGracePeriod = 10 * time.Second

// DisplayProvider optionally supplies a virtual display for a user's browser
// so a checkpoint portal can attach a viewer to it later. Returning an empty
// string selects headless operation.
type DisplayProvider interface {
	EnsureDisplay(userID string) (string, error)
}

// Launcher creates one browser process per session. Each handle owns its own
// exec allocator, so closing a session can never disturb another user's
// browser.
type Launcher struct {
	cfg      config.BrowserConfig
	displays DisplayProvider
	logger   *zap.Logger
}

var _ schemas.BrowserLauncher = (*Launcher)(nil)

// NewLauncher creates a launcher. displays may be nil for headless-only use.
func NewLauncher(cfg config.BrowserConfig, displays DisplayProvider, logger *zap.Logger) *Launcher {
	return &Launcher{
		cfg:      cfg,
		displays: displays,
		logger:   logger.Named("browser"),
	}
}

// Launch starts a browser for the user and returns its handle.
func (l *Launcher) Launch(ctx context.Context, userID string) (schemas.BrowserHandle, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	for _, arg := range l.cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	headless := l.cfg.Headless
	if l.displays != nil {
		display, err := l.displays.EnsureDisplay(userID)
		if err != nil {
			l.logger.Warn("Virtual display unavailable, launching headless.",
				zap.String("user_id", userID), zap.Error(err))
		} else if display != "" {
			headless = false
			opts = append(opts, chromedp.Env("DISPLAY="+display))
		}
	}
	if !headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	// The allocator lives on a background context; session teardown is
	// controlled through Close, not through the caller's request context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Force the browser process to start now so launch failures surface here
	// rather than on the first navigation. The viewport is pinned to the
	// virtual display geometry so remote viewers see the full page.
	startCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := runWithDeadline(startCtx, tabCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetDeviceMetricsOverride(1440, 900, 1, false).Do(ctx)
		}),
	); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	h := &Handle{
		userID:      userID,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		navTimeout:  l.cfg.NavigationTimeout,
		pace:        rate.NewLimiter(rate.Limit(l.cfg.ActionRate), 1),
		logger:      l.logger.With(zap.String("user_id", userID)),
	}
	h.logger.Info("Browser launched.", zap.Bool("headless", headless))
	return h, nil
}

// runWithDeadline runs actions on the tab context, honoring the deadline of
// the supplied context. An empty action list still forces the browser to start.
func runWithDeadline(deadline context.Context, tabCtx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-deadline.Done():
		return deadline.Err()
	}
}

// Handle is one exclusively owned browser instance. All page commands are
// serialized through an internal mutex; the underlying tab is not safe for
// concurrent command issuance.
type Handle struct {
	userID      string
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	navTimeout  time.Duration
	pace        *rate.Limiter
	logger      *zap.Logger

	mu        sync.Mutex
	closeOnce sync.Once
	closed    bool
}

var _ schemas.BrowserHandle = (*Handle)(nil)

// run executes chromedp actions on the tab, paced and serialized.
func (h *Handle) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := h.pace.Wait(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("browser handle is closed")
	}

	runCtx, cancel := context.WithTimeout(h.tabCtx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Navigate loads the URL and waits for the document to be ready.
func (h *Handle) Navigate(ctx context.Context, url string) error {
	return h.run(ctx, h.navTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// CurrentURL returns the tab's current location.
func (h *Handle) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := h.run(ctx, 10*time.Second, chromedp.Location(&url))
	return url, err
}

// ExecuteScript evaluates a script, unmarshaling its result into out when
// out is non-nil.
func (h *Handle) ExecuteScript(ctx context.Context, script string, out interface{}) error {
	if out == nil {
		var discard interface{}
		out = &discard
	}
	return h.run(ctx, 30*time.Second, chromedp.Evaluate(script, out))
}

// Click clicks the first element matching the selector.
func (h *Handle) Click(ctx context.Context, selector string) error {
	return h.run(ctx, 15*time.Second, chromedp.Click(selector, chromedp.ByQuery))
}

// Fill clears the matching control and types the value into it.
func (h *Handle) Fill(ctx context.Context, selector, value string) error {
	return h.run(ctx, 15*time.Second,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

// Text returns the visible text of the first element matching the selector.
func (h *Handle) Text(ctx context.Context, selector string) (string, error) {
	var text string
	err := h.run(ctx, 15*time.Second, chromedp.Text(selector, &text, chromedp.ByQuery))
	return text, err
}

// Exists reports whether any element matches the selector.
func (h *Handle) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	script := fmt.Sprintf("document.querySelector(%q) !== null", selector)
	err := h.run(ctx, 10*time.Second, chromedp.Evaluate(script, &found))
	return found, err
}

// Close shuts the browser process down. Safe to call more than once; the
// second and later calls are no-ops.
func (h *Handle) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()

		// chromedp.Cancel waits for the browser process to exit gracefully.
		graceCtx, cancel := context.WithTimeout(context.Background(), closeGracePeriod)
		defer cancel()
		done := make(chan struct{})
		go func() {
			_ = chromedp.Cancel(h.tabCtx)
			close(done)
		}()
		select {
		case <-done:
		case <-graceCtx.Done():
			h.logger.Warn("Timeout waiting for graceful browser exit, cancelling forcefully.")
		}

		h.tabCancel()
		h.allocCancel()
		h.logger.Info("Browser closed.")
	})
	return nil
}
