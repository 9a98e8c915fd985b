package mockhttp

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Handler is a function that handles an HTTP request and returns true if it handled it.
type Handler func(w http.ResponseWriter, r *http.Request) bool

// Error is one entry of an error envelope.
type Error struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
	Msg  string `json:"msg"`
}

// ServerBuilder builds mock verdictd servers with configurable behavior.
type ServerBuilder struct {
	handlers    []Handler
	defaultCode int
	capture     *Capture
}

// New creates a new ServerBuilder. Unmatched requests get a 404 oob
// envelope.
func New() *ServerBuilder {
	return &ServerBuilder{
		defaultCode: http.StatusNotFound,
	}
}

// DefaultStatus sets the status code returned when no handler matches.
func (b *ServerBuilder) DefaultStatus(code int) *ServerBuilder {
	b.defaultCode = code
	return b
}

// Handler adds a custom handler function.
func (b *ServerBuilder) Handler(h Handler) *ServerBuilder {
	b.handlers = append(b.handlers, h)
	return b
}

// Envelope answers method and path with a successful envelope carrying data
// (the value of the "data" member) and an optional next-page cursor.
func (b *ServerBuilder) Envelope(method, path string, code int, data any, next string) *ServerBuilder {
	body := map[string]any{
		"code":   "ok",
		"data":   data,
		"errors": []Error{},
		"meta":   map[string]string{},
	}
	if next != "" {
		body["meta"] = map[string]string{"next": next}
	}
	return b.Route(method, path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, code, body)
	})
}

// Errors answers method and path with an error envelope.
func (b *ServerBuilder) Errors(method, path string, code int, errs ...Error) *ServerBuilder {
	body := map[string]any{
		"code":   "error",
		"data":   map[string]any{},
		"errors": errs,
		"meta":   map[string]string{},
	}
	return b.Route(method, path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, code, body)
	})
}

// StatusWithBody returns a response with the given status code and raw body.
func (b *ServerBuilder) StatusWithBody(path string, code int, body string) *ServerBuilder {
	return b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
		if !matchPath(r.URL.Path, path) {
			return false
		}
		w.WriteHeader(code)
		w.Write([]byte(body))
		return true
	})
}

// RequireHeader ensures a specific header is present with an expected value.
// Requests without it get a 401 auth envelope.
func (b *ServerBuilder) RequireHeader(name, value string) *ServerBuilder {
	return b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get(name) != value {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"code":   "error",
				"data":   map[string]any{},
				"errors": []Error{{ID: "auth", Msg: name + " rejected"}},
				"meta":   map[string]string{},
			})
			return true
		}
		return false
	})
}

// Capture enables request capture for inspection in tests. Call it before
// adding routes so every request is recorded.
func (b *ServerBuilder) Capture() *Capture {
	if b.capture == nil {
		b.capture = &Capture{}
		b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
			b.capture.record(r)
			return false // Continue to next handler
		})
	}
	return b.capture
}

// Route adds a handler that matches both method and path.
func (b *ServerBuilder) Route(method, path string, handler http.HandlerFunc) *ServerBuilder {
	return b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != method || !matchPath(r.URL.Path, path) {
			return false
		}
		handler(w, r)
		return true
	})
}

// Build creates the httptest.Server with all configured handlers.
func (b *ServerBuilder) Build() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range b.handlers {
			if h(w, r) {
				return
			}
		}
		writeJSON(w, b.defaultCode, map[string]any{
			"code":   "error",
			"data":   map[string]any{},
			"errors": []Error{{ID: "oob", Path: r.URL.Path, Msg: "no such route"}},
			"meta":   map[string]string{},
		})
	}))
}

// BuildURL creates the server and returns its URL and a close function.
func (b *ServerBuilder) BuildURL() (string, func()) {
	server := b.Build()
	return server.URL, server.Close
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// matchPath checks if the request path matches the pattern.
// Supports exact match and prefix match with "*" suffix.
func matchPath(requestPath, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(requestPath, prefix)
	}
	return requestPath == pattern
}

// Capture stores captured HTTP requests for test assertions.
type Capture struct {
	mu       sync.Mutex
	requests []CapturedRequest
}

// CapturedRequest holds data from a captured HTTP request.
type CapturedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
	Query   map[string][]string
}

func (c *Capture) record(r *http.Request) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, CapturedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
		Body:    body,
		Query:   r.URL.Query(),
	})
}

// Count returns the number of captured requests.
func (c *Capture) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Last returns the most recent captured request, or nil if none.
func (c *Capture) Last() *CapturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return &c.requests[len(c.requests)-1]
}

// BodyJSON decodes the request body as JSON into v.
func (r *CapturedRequest) BodyJSON(v any) error {
	return json.Unmarshal(r.Body, v)
}
