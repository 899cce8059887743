// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotwatch/internal/config"
)

const tabCloseTimeout = 10 * time.Second

// ErrManagerClosed is returned by Reset after Close.
var ErrManagerClosed = errors.New("browser manager is closed")

// Manager owns the Chrome process and the single tab the monitoring loop drives.
// It is the PageProvider handed to the rest of the engine.
type Manager struct {
	logger  *zap.Logger
	cfg     config.BrowserConfig
	persona Persona

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	// browserCtx is the first chromedp context on the allocator. Cancelling it ends the
	// browser process, so working tabs are always its children.
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// newTab is replaced in tests.
	newTab func(ctx context.Context) (*CDPPage, context.CancelFunc, error)

	mu        sync.Mutex
	page      *CDPPage
	tabCancel context.CancelFunc
	closed    bool
}

var _ PageProvider = (*Manager)(nil)

// NewManager launches the browser process and opens the first tab.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:  logger.Named("browser_manager"),
		cfg:     cfg,
		persona: PersonaFromConfig(cfg),
	}
	m.newTab = m.openTab

	m.logger.Info("Initializing browser allocator...", zap.Bool("headless", cfg.Headless))
	// The allocator must outlive ctx's deadline; only Close tears it down.
	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(Detach(ctx), m.buildAllocatorOptions()...)

	if err := m.startBrowser(ctx); err != nil {
		m.allocatorCancel()
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}

	page, cancel, err := m.newTab(ctx)
	if err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return nil, fmt.Errorf("browser failed to respond: %w", err)
	}
	m.page, m.tabCancel = page, cancel

	m.logger.Info("Browser launched successfully and is responsive.")
	return m, nil
}

// startBrowser allocates the process through the root context. The first Run ties the
// browser's lifetime to the context it is given, so it runs on browserCtx itself and the
// launch timeout is enforced from outside.
func (m *Manager) startBrowser(ctx context.Context) error {
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx)

	launchCtx, cancel := withTimeout(ctx, m.cfg.LaunchTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(m.browserCtx) }()
	select {
	case err := <-errc:
		if err != nil {
			m.browserCancel()
		}
		return err
	case <-launchCtx.Done():
		m.browserCancel()
		return launchCtx.Err()
	}
}

// launchFlags returns the Chrome switches layered over chromedp's defaults. A false value
// removes the switch.
func launchFlags(cfg config.BrowserConfig, goos string) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                  cfg.Headless,
		"enable-automation":         false,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"disable-blink-features":    "AutomationControlled",
		"disable-gpu":               true,
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}
	if goos == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range launchFlags(m.cfg, runtime.GOOS) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	opts = append(opts, chromedp.WindowSize(1920, 1080))
	if m.persona.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.persona.UserAgent))
	}
	return opts
}

// openTab creates a new tab in the running browser, applies the stealth persona and
// confirms it responds. The returned cancel closes only that tab.
func (m *Manager) openTab(ctx context.Context) (*CDPPage, context.CancelFunc, error) {
	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)

	launchCtx, cancelLaunch := withTimeout(ctx, m.cfg.LaunchTimeout)
	defer cancelLaunch()
	runCtx, cancelRun := CombineContext(tabCtx, launchCtx)
	defer cancelRun()

	actions := chromedp.Tasks{chromedp.Navigate("about:blank")}
	if m.cfg.Stealth {
		actions = append(chromedp.Tasks{ApplyStealth(m.persona, m.logger)}, actions...)
	}
	if err := chromedp.Run(runCtx, actions); err != nil {
		tabCancel()
		return nil, nil, err
	}
	return newCDPPage(tabCtx, m.logger.Named("page"), m.cfg.PageLoadTimeout, m.cfg.ActionTimeout), tabCancel, nil
}

// Page returns the live tab.
func (m *Manager) Page() Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page
}

// Reset opens a fresh tab and only then closes the current one. When the new tab cannot be
// opened the current tab stays in place. Elements captured from the old tab can never
// resolve against the new one.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrManagerClosed
	}

	m.logger.Info("Recreating browser tab.")
	page, cancel, err := m.newTab(ctx)
	if err != nil {
		m.logger.Warn("Keeping the current tab.", zap.Error(err))
		return fmt.Errorf("failed to recreate browser tab: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return ErrManagerClosed
	}
	old := m.tabCancel
	m.page, m.tabCancel = page, cancel
	m.mu.Unlock()

	if old != nil {
		old()
	}
	return nil
}

// Close releases the tab and terminates the browser process. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tabCancel := m.tabCancel
	m.tabCancel = nil
	m.mu.Unlock()

	m.logger.Info("Shutting down browser.")
	done := make(chan struct{})
	go func() {
		defer close(done)
		if tabCancel != nil {
			tabCancel()
		}
		if m.browserCancel != nil {
			m.browserCancel()
		}
		if m.allocatorCancel != nil {
			m.allocatorCancel()
		}
	}()

	select {
	case <-done:
		m.logger.Info("Browser shut down.")
		return nil
	case <-time.After(tabCloseTimeout):
		m.logger.Warn("Timed out waiting for the browser process to exit.")
		return fmt.Errorf("timed out waiting for browser shutdown")
	}
}
