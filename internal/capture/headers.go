// Package capture implements the request/response capture pipeline of spec
// §4.3 (C2): header sanitization and browser-default injection, the textual
// content-type heuristic, response decompression, and the RequestDetails
// correlation/capture logic shared by the MITM engine.
package capture

import "net/http"

// sanitizedHeaders are always stripped pre-forward so the upstream never
// sees that it's talking to a proxy.
var sanitizedHeaders = []string{
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Real-IP",
	"Via",
	"Forwarded",
	"Proxy-Connection",
	"Proxy-Authorization",
}

// browserDefaults are set only when the client didn't already send a value,
// so outbound traffic still looks like an ordinary browser.
var browserDefaults = []struct {
	name  string
	value string
}{
	{"User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"},
	{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"},
	{"Accept-Language", "en-US,en;q=0.9"},
	// deflate is advertised but this pipeline does decompress it (see
	// decompress.go); advertising what we can actually decode keeps the
	// header honest.
	{"Accept-Encoding", "gzip, deflate, br"},
}

// SanitizeHeaders removes proxy-revealing headers from an outbound request.
func SanitizeHeaders(h http.Header) {
	for _, name := range sanitizedHeaders {
		h.Del(name)
	}
}

// ApplyBrowserDefaults fills in realistic browser headers for any of
// User-Agent/Accept/Accept-Language/Accept-Encoding the client omitted.
func ApplyBrowserDefaults(h http.Header) {
	for _, d := range browserDefaults {
		if h.Get(d.name) == "" {
			h.Set(d.name, d.value)
		}
	}
}

// InjectCustomHeaders sets every configured custom header, replacing any
// existing value — user intent overrides sanitization and defaults alike.
func InjectCustomHeaders(h http.Header, custom map[string]string) {
	for name, value := range custom {
		h.Set(name, value)
	}
}

// PrepareOutbound applies sanitization, browser defaults, then custom
// header injection, in that order, per spec §4.3.
func PrepareOutbound(h http.Header, custom map[string]string) {
	SanitizeHeaders(h)
	ApplyBrowserDefaults(h)
	InjectCustomHeaders(h, custom)
}
