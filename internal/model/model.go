// Package model holds the wire-level types shared across the proxy core:
// captured exchanges, proxy configuration, and status projections.
package model

import (
	"net/http"
	"time"
)

// RequestDetails is a captured HTTP request/response pair. It is value-typed
// by convention: callers that hand one off to the store or event bus own a
// copy, never a shared pointer into mutable state.
type RequestDetails struct {
	ID              int64       `json:"id"`
	Host            string      `json:"host"`
	Method          string      `json:"method"`
	Path            string      `json:"path"`
	Query           string      `json:"query,omitempty"`
	Headers         http.Header `json:"headers"`
	Timestamp       time.Time   `json:"timestamp"`
	Protocol        string      `json:"protocol"` // "http" or "https"
	RequestBody     string      `json:"requestBody,omitempty"`
	Status          int         `json:"status,omitempty"`
	ResponseHeaders http.Header `json:"responseHeaders,omitempty"`
	ResponseBody    string      `json:"responseBody,omitempty"`
	ResponseLength  int         `json:"responseLength,omitempty"`
	ResponseTimeMs  int64       `json:"responseTimeMs,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// ProxyConfig is the mutable configuration surface exposed by the control
// plane. Zero value is not meaningful standalone; use
// config.DefaultProxyConfig().
type ProxyConfig struct {
	Port            int               `json:"port" yaml:"port"`
	SSLInterception bool              `json:"sslInterception" yaml:"sslInterception"`
	CustomHeaders   map[string]string `json:"customHeaders" yaml:"customHeaders"`
	SaveOnlyInScope bool              `json:"saveOnlyInScope" yaml:"saveOnlyInScope"`
	InScope         []string          `json:"inScope" yaml:"inScope"`
	OutOfScope      []string          `json:"outOfScope" yaml:"outOfScope"`
	CACertificatePath string          `json:"caCertificatePath" yaml:"-"`
}

// Clone returns a deep copy so callers can't mutate shared config state
// through a returned pointer.
func (c ProxyConfig) Clone() ProxyConfig {
	clone := c
	if c.CustomHeaders != nil {
		clone.CustomHeaders = make(map[string]string, len(c.CustomHeaders))
		for k, v := range c.CustomHeaders {
			clone.CustomHeaders[k] = v
		}
	}
	if c.InScope != nil {
		clone.InScope = append([]string(nil), c.InScope...)
	}
	if c.OutOfScope != nil {
		clone.OutOfScope = append([]string(nil), c.OutOfScope...)
	}
	return clone
}

// ProxyStatus is a read-only projection of proxy and CA state.
type ProxyStatus struct {
	IsRunning         bool   `json:"isRunning"`
	Port              int    `json:"port"`
	CACertificatePath string `json:"caCertificatePath"`
}
