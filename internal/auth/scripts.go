package auth

import (
	"fmt"
	"time"
)

// storageJS resolves a usable Storage object. Pages that delete
// window.localStorage still expose one through a same-origin frame.
const storageJS = `function __renewStorage() {
	try { if (window.localStorage) return window.localStorage; } catch (e) {}
	if (window.__renewFrameStorage) return window.__renewFrameStorage;
	var f = document.createElement('iframe');
	f.style.display = 'none';
	(document.body || document.documentElement).appendChild(f);
	window.__renewFrameStorage = f.contentWindow.localStorage;
	return window.__renewFrameStorage;
}`

// strategy is one way of writing the token into storage. Its script
// evaluates to false when it declined to write.
type strategy struct {
	name   string
	script func(key, value string, delay time.Duration) string
	// wait is how long the write may take to land after the script returns.
	wait func(deferred time.Duration) time.Duration
}

func noWait(time.Duration) time.Duration { return 0 }

var strategies = []strategy{
	{
		name: "direct",
		script: func(key, value string, _ time.Duration) string {
			return fmt.Sprintf(`(function() { window.localStorage.setItem(%s, %s); return true; })()`, key, value)
		},
		wait: noWait,
	},
	{
		name: "guarded",
		script: func(key, value string, _ time.Duration) string {
			return fmt.Sprintf(`(function() {
	%s
	var s = __renewStorage();
	if (!s || typeof s.setItem !== 'function') return false;
	s.setItem(%s, %s);
	return true;
})()`, storageJS, key, value)
		},
		wait: noWait,
	},
	{
		name: "deferred",
		script: func(key, value string, delay time.Duration) string {
			return fmt.Sprintf(`(function() {
	%s
	setTimeout(function() {
		try { __renewStorage().setItem(%s, %s); } catch (e) {}
	}, %d);
	return true;
})()`, storageJS, key, value, delay.Milliseconds())
		},
		wait: func(d time.Duration) time.Duration { return d + d/4 },
	},
	{
		name: "ready",
		script: func(key, value string, _ time.Duration) string {
			return fmt.Sprintf(`(function() {
	%s
	var set = function() {
		try { __renewStorage().setItem(%s, %s); } catch (e) {}
	};
	if (document.readyState === 'loading') {
		document.addEventListener('DOMContentLoaded', set);
	} else {
		set();
	}
	return true;
})()`, storageJS, key, value)
		},
		wait: func(d time.Duration) time.Duration { return d / 4 },
	},
}

func readBackScript(key string) string {
	return fmt.Sprintf(`(function() {
	%s
	try {
		var v = __renewStorage().getItem(%s);
		return v === null ? '' : v;
	} catch (e) {
		return '';
	}
})()`, storageJS, key)
}
