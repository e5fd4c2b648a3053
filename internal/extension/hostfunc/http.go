// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

// Package hostfunc implements the host capabilities injected into extension
// sandboxes: the outbound HTTP primitive and the logging sink. Both speak
// the wire shapes from pkg/extractor so the wasm and lua runtimes can share
// them.
package hostfunc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tsuzuki-app/tsuzuki/internal/extension/capability"
	"github.com/tsuzuki-app/tsuzuki/internal/observability"
	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// Defaults for the HTTP primitive, overridable via HTTPOptions.
const (
	defaultHTTPTimeout      = 30 * time.Second
	defaultMaxResponseBytes = 10 << 20 // 10 MiB

	defaultUserAgent = "tsuzuki"
)

// HTTPOptions tunes the outbound HTTP primitive.
type HTTPOptions struct {
	// Timeout bounds one request including body download.
	Timeout time.Duration
	// MaxResponseBytes caps the response body handed back to the sandbox.
	// Larger bodies are rejected, not truncated.
	MaxResponseBytes int64
	// UserAgent is sent when the extension does not set its own.
	UserAgent string
}

// HTTP performs outbound requests on behalf of extensions, gated by their
// net grants. Redirects are not followed: 3xx responses are handed back
// verbatim so every hop is re-gated when the extension follows it.
type HTTP struct {
	client   *http.Client
	enforcer *capability.Enforcer
	maxBody  int64
	ua       string
}

// NewHTTP builds the HTTP primitive around a capability enforcer.
func NewHTTP(enforcer *capability.Enforcer, opts HTTPOptions) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = defaultMaxResponseBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	return &HTTP{
		client: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		enforcer: enforcer,
		maxBody:  opts.MaxResponseBytes,
		ua:       opts.UserAgent,
	}
}

// Do executes one request for the named extension. Failures are reported
// inside the returned Result, never as a Go error, so runtimes can hand the
// envelope straight back to the sandbox.
func (h *HTTP) Do(ctx context.Context, ext string, req extractor.HTTPRequest) extractor.Result {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errResult(extractor.ErrorCodeInvalid, "url must be absolute http(s)")
	}

	capName := capability.ForURL(u)
	if !h.enforcer.Check(ext, capName) {
		observability.RecordCapabilityDenial(ext, capName)
		return errResult(extractor.ErrorCodeDenied, "no grant for "+capName)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errResult(extractor.ErrorCodeInvalid, err.Error())
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", h.ua)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return errResult(extractor.ErrorCodeNetwork, err.Error())
	}
	defer resp.Body.Close() //nolint:errcheck

	// Read one byte past the cap to tell "exactly at the limit" from "over".
	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return errResult(extractor.ErrorCodeNetwork, err.Error())
	}
	if int64(len(data)) > h.maxBody {
		return errResult(extractor.ErrorCodeNetwork, "response body exceeds limit")
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return okResult(extractor.HTTPResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    data,
	})
}

func okResult(resp extractor.HTTPResponse) extractor.Result {
	data, err := json.Marshal(resp)
	if err != nil {
		return errResult(extractor.ErrorCodeNetwork, "encode response: "+err.Error())
	}
	return extractor.Result{OK: data}
}

func errResult(code extractor.ErrorCode, msg string) extractor.Result {
	return extractor.Result{Err: &extractor.Error{Code: code, Message: msg}}
}
