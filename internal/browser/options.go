package browser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/xkilldash9x/autorenew/internal/config"
)

// AllocatorFlags returns the command-line switches for the browser process.
// A false value removes a switch chromedp would otherwise pass by default.
func AllocatorFlags(cfg config.BrowserConfig, extensionPath string) map[string]interface{} {
	flags := map[string]interface{}{
		"enable-automation":      false,
		"disable-blink-features": "AutomationControlled",
		"disable-infobars":       true,
		"no-sandbox":             true,
		"disable-dev-shm-usage":  true,
		"disable-gpu":            true,
	}

	if cfg.Headless {
		flags["headless"] = "new"
	} else {
		flags["headless"] = false
		flags["hide-scrollbars"] = false
		flags["mute-audio"] = false
	}

	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight)
	}
	if cfg.UserAgent != "" {
		flags["user-agent"] = cfg.UserAgent
	}

	if extensionPath != "" {
		flags["disable-extensions"] = false
		flags["disable-extensions-except"] = extensionPath
		flags["load-extension"] = extensionPath
	}

	// Extra args win over everything above.
	for _, arg := range cfg.Args {
		trimmed := strings.TrimLeft(strings.TrimSpace(arg), "-")
		if trimmed == "" {
			continue
		}
		if key, value, ok := strings.Cut(trimmed, "="); ok {
			flags[key] = value
		} else {
			flags[trimmed] = true
		}
	}
	return flags
}

// AllocatorOptions builds the chromedp allocator options: chromedp's
// defaults overlaid with AllocatorFlags.
func AllocatorOptions(cfg config.BrowserConfig, extensionPath string) []chromedp.ExecAllocatorOption {
	flags := AllocatorFlags(cfg, extensionPath)

	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, k := range keys {
		opts = append(opts, chromedp.Flag(k, flags[k]))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}
