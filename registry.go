package iothub

import "strings"

// metadataPrefix marks twin keys that carry protocol metadata (e.g. "$version") rather than properties.
const metadataPrefix = "$"

// PropertyHandler applies a desired property value and reports whether it was accepted.
// value is the textual form of the desired value, whatever its JSON type.
type PropertyHandler func(name, value string) bool

// MethodHandler runs a direct method and returns the response body, which must be a JSON document.
type MethodHandler func(name string, payload []byte) string

// PropertyRegistry maps desired property names to handlers.
// It is not safe for concurrent use; register everything before the first Pump.
type PropertyRegistry struct {
	handlers map[string]PropertyHandler
}

// Register sets the handler for name, replacing any previous one.
// It reports false for names with the metadata prefix, which are never registered.
func (r *PropertyRegistry) Register(name string, h PropertyHandler) bool {
	if isMetadataKey(name) {
		return false
	}
	if r.handlers == nil {
		r.handlers = make(map[string]PropertyHandler)
	}
	r.handlers[name] = h
	return true
}

// Lookup returns the handler registered for name.
func (r *PropertyRegistry) Lookup(name string) (PropertyHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Len returns the number of registered properties.
func (r *PropertyRegistry) Len() int {
	return len(r.handlers)
}

// MethodRegistry maps direct method names to handlers. Same rules as PropertyRegistry.
type MethodRegistry struct {
	handlers map[string]MethodHandler
}

// Register sets the handler for name, replacing any previous one.
func (r *MethodRegistry) Register(name string, h MethodHandler) bool {
	if isMetadataKey(name) {
		return false
	}
	if r.handlers == nil {
		r.handlers = make(map[string]MethodHandler)
	}
	r.handlers[name] = h
	return true
}

// Lookup returns the handler registered for name.
func (r *MethodRegistry) Lookup(name string) (MethodHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Len returns the number of registered methods.
func (r *MethodRegistry) Len() int {
	return len(r.handlers)
}

func isMetadataKey(key string) bool {
	return strings.HasPrefix(key, metadataPrefix)
}
