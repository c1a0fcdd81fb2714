package session

import "strings"

// ParseUserAgent extracts a coarse device classification from a raw
// User-Agent header. Heuristic on purpose: good enough for the device
// overview, no external UA database.
func ParseUserAgent(userAgent string) DeviceInfo {
	info := DeviceInfo{UserAgent: userAgent, DeviceType: "desktop"}
	ua := strings.ToLower(userAgent)

	switch {
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "android"):
		info.DeviceType = "mobile"
	case strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad"):
		info.DeviceType = "tablet"
	}

	switch {
	case strings.Contains(ua, "windows"):
		info.OS = "Windows"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macos"):
		info.OS = "macOS"
	case strings.Contains(ua, "linux") && !strings.Contains(ua, "android"):
		info.OS = "Linux"
	case strings.Contains(ua, "android"):
		info.OS = "Android"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ios"):
		info.OS = "iOS"
	}

	switch {
	case strings.Contains(ua, "edg"):
		info.Browser = "Edge"
	case strings.Contains(ua, "chrome"):
		info.Browser = "Chrome"
	case strings.Contains(ua, "firefox"):
		info.Browser = "Firefox"
	case strings.Contains(ua, "safari"):
		info.Browser = "Safari"
	}
	return info
}
