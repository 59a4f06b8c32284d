package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
)

// DefaultMaxResponseBytes caps provider response bodies at 1 MB.
const DefaultMaxResponseBytes int64 = 1 << 20

const maxRedirects = 5

// Hop-by-hop headers (RFC 9110 §7.6.1) are never forwarded either way.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

var allowedMethods = map[string]struct{}{
	http.MethodGet: {}, http.MethodPost: {}, http.MethodPut: {},
	http.MethodDelete: {}, http.MethodPatch: {}, http.MethodHead: {},
	http.MethodOptions: {},
}

// HTTPAdapter proxies request descriptions to allowlisted providers.
// Params: url (required), method (defaults to the manifest method),
// headers, body. The resolved credential is injected as a bearer
// token and wins over any caller-supplied Authorization header.
type HTTPAdapter struct {
	allowLoopback bool
	maxBody       int64
}

// HTTPOptions tune an HTTPAdapter.
type HTTPOptions struct {
	// AllowLoopback relaxes the host guard for loopback targets.
	// Development and tests only.
	AllowLoopback bool
	// MaxResponseBytes overrides the 1 MB response cap when positive.
	MaxResponseBytes int64
}

// NewHTTPAdapter returns a generic HTTP proxy adapter.
func NewHTTPAdapter(opts HTTPOptions) *HTTPAdapter {
	maxBody := opts.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	return &HTTPAdapter{allowLoopback: opts.AllowLoopback, maxBody: maxBody}
}

func (a *HTTPAdapter) Execute(ctx context.Context, call Call) (*Result, error) {
	rawURL, ok := call.Params["url"].(string)
	if !ok || rawURL == "" {
		return nil, Errorf(contracts.CodeProviderInvalidInput, 0, "params require 'url' (string)")
	}

	method := call.Manifest.Method
	if m, ok := call.Params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method == "" {
		method = http.MethodGet
	}
	if _, ok := allowedMethods[method]; !ok {
		return nil, Errorf(contracts.CodeProviderInvalidInput, 0, "method %q not allowed", method)
	}

	guard := NewHostGuard(call.Manifest.DomainAllowlist, a.allowLoopback)
	target, err := guard.ValidateURL(rawURL)
	if err != nil {
		code, status, detail := Classify(err)
		return nil, Errorf(code, status, "%s", detail)
	}

	req, err := a.buildRequest(ctx, method, target.String(), call)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
			Control: guard.Control,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        4,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("adapters: stopped after %d redirects", maxRedirects)
			}
			_, err := guard.ValidateURL(req.URL.String())
			return err
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		code, status, detail := Classify(err)
		return nil, Errorf(code, status, "%s", detail)
	}
	defer resp.Body.Close()

	body, truncated, err := readCapped(resp.Body, a.maxBody)
	if err != nil {
		code, status, detail := Classify(err)
		return nil, Errorf(code, status, "read response: %s", detail)
	}

	if resp.StatusCode >= 400 {
		return nil, Errorf(statusToCode(resp.StatusCode), resp.StatusCode,
			"provider returned %d: %s", resp.StatusCode, snippet(body))
	}

	return &Result{Output: buildOutput(resp, body, truncated)}, nil
}

func (a *HTTPAdapter) buildRequest(ctx context.Context, method, target string, call Call) (*http.Request, error) {
	var reqBody io.Reader
	contentType := ""
	switch b := call.Params["body"].(type) {
	case nil:
	case string:
		reqBody = strings.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, Errorf(contracts.CodeProviderInvalidInput, 0, "encode body: %v", err)
		}
		reqBody = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, Errorf(contracts.CodeProviderInvalidInput, 0, "build request: %v", err)
	}

	if rawHeaders, ok := call.Params["headers"].(map[string]any); ok {
		for k, v := range rawHeaders {
			if isStrippedRequestHeader(k, call.Credential != nil) {
				continue
			}
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if call.Credential != nil {
		req.Header.Set("Authorization", "Bearer "+call.Credential.Token)
	}
	return req, nil
}

func isStrippedRequestHeader(name string, haveCredential bool) bool {
	n := strings.ToLower(name)
	if _, hop := hopByHopHeaders[n]; hop {
		return true
	}
	switch n {
	case "host", "content-length":
		return true
	case "authorization":
		return haveCredential
	}
	return false
}

// readCapped reads at most limit bytes and reports whether the source
// had more.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

func statusToCode(status int) contracts.ErrorCode {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return contracts.CodeProviderAuthFailure
	case status == http.StatusNotFound:
		return contracts.CodeProviderNotFound
	case status == http.StatusTooManyRequests:
		return contracts.CodeProviderRateLimited
	case status >= 500:
		return contracts.CodeProviderServerError
	default:
		return contracts.CodeProviderInvalidInput
	}
}

func buildOutput(resp *http.Response, body []byte, truncated bool) map[string]any {
	headers := make(map[string]any, len(resp.Header))
	for k, vals := range resp.Header {
		n := strings.ToLower(k)
		if _, hop := hopByHopHeaders[n]; hop {
			continue
		}
		if n == "content-length" || n == "content-encoding" {
			continue
		}
		headers[k] = strings.Join(vals, ", ")
	}

	contentType := resp.Header.Get("Content-Type")
	var parsed any = string(body)
	if !truncated && strings.Contains(contentType, "application/json") {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			parsed = decoded
		}
	}

	out := map[string]any{
		"status_code":  resp.StatusCode,
		"headers":      headers,
		"body":         parsed,
		"content_type": contentType,
	}
	if truncated {
		out["truncated"] = true
	}
	return out
}

// snippet bounds error details taken from provider bodies.
func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
