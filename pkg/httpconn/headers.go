package httpconn

import "strings"

// Headers is an ordered header list with lowercase names. Duplicate names are
// kept in order; Get returns the first value.
type Headers struct {
	headers [][2]string
	index   map[string]int
}

// NewHeaders creates a Headers instance holding pairs. Names are lowercased.
func NewHeaders(pairs ...[2]string) Headers {
	h := Headers{headers: make([][2]string, 0, len(pairs))}
	for _, p := range pairs {
		h.headers = append(h.headers, [2]string{strings.ToLower(p[0]), p[1]})
	}
	return h
}

// buildIndex is called lazily on the first Set or Add.
func (h *Headers) buildIndex() {
	h.index = make(map[string]int, len(h.headers)+2)
	for i := range h.headers {
		if _, ok := h.index[h.headers[i][0]]; !ok {
			h.index[h.headers[i][0]] = i
		}
	}
}

// Set sets a header value, replacing every existing value for key.
func (h *Headers) Set(key, value string) {
	lowerKey := strings.ToLower(key)
	if h.index == nil {
		h.buildIndex()
	}
	if idx, ok := h.index[lowerKey]; ok {
		h.headers[idx][1] = value
		h.removeAfter(lowerKey, idx)
		return
	}
	h.index[lowerKey] = len(h.headers)
	h.headers = append(h.headers, [2]string{lowerKey, value})
}

// Add appends a value for key without touching existing ones.
func (h *Headers) Add(key, value string) {
	lowerKey := strings.ToLower(key)
	if h.index == nil {
		h.buildIndex()
	}
	if _, ok := h.index[lowerKey]; !ok {
		h.index[lowerKey] = len(h.headers)
	}
	h.headers = append(h.headers, [2]string{lowerKey, value})
}

// Get retrieves the first value for key, or "" if absent.
func (h *Headers) Get(key string) string {
	v, _ := h.Lookup(key)
	return v
}

// Lookup is Get that also reports presence, so an empty value can be told
// apart from a missing header.
func (h *Headers) Lookup(key string) (string, bool) {
	lowerKey := strings.ToLower(key)
	if h.index != nil {
		if idx, ok := h.index[lowerKey]; ok {
			return h.headers[idx][1], true
		}
		return "", false
	}
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			return h.headers[i][1], true
		}
	}
	return "", false
}

// Values returns every value for key in order.
func (h *Headers) Values(key string) []string {
	lowerKey := strings.ToLower(key)
	var out []string
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			out = append(out, h.headers[i][1])
		}
	}
	return out
}

// Del removes every value for key.
func (h *Headers) Del(key string) {
	lowerKey := strings.ToLower(key)
	kept := h.headers[:0]
	for _, kv := range h.headers {
		if kv[0] != lowerKey {
			kept = append(kept, kv)
		}
	}
	h.headers = kept
	if h.index != nil {
		h.buildIndex()
	}
}

func (h *Headers) removeAfter(lowerKey string, idx int) {
	kept := h.headers[:idx+1]
	removed := false
	for _, kv := range h.headers[idx+1:] {
		if kv[0] == lowerKey {
			removed = true
			continue
		}
		kept = append(kept, kv)
	}
	h.headers = kept
	if removed {
		h.buildIndex()
	}
}

// Has checks if a header exists.
func (h *Headers) Has(key string) bool {
	_, ok := h.Lookup(key)
	return ok
}

// All returns all headers as a slice of key-value pairs.
func (h *Headers) All() [][2]string {
	return h.headers
}

// Len returns the number of header lines.
func (h *Headers) Len() int {
	return len(h.headers)
}

// Clone returns a deep copy.
func (h *Headers) Clone() Headers {
	return Headers{headers: append([][2]string(nil), h.headers...)}
}

// headerCarrier adapts Headers to propagation.TextMapCarrier.
type headerCarrier struct {
	headers *Headers
}

func (hc headerCarrier) Get(key string) string {
	return hc.headers.Get(key)
}

func (hc headerCarrier) Set(key, value string) {
	hc.headers.Set(key, value)
}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, hc.headers.Len())
	for _, h := range hc.headers.All() {
		keys = append(keys, h[0])
	}
	return keys
}

// hasToken reports whether a comma separated header value contains token,
// ignoring case and surrounding whitespace.
func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
