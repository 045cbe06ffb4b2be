// Package apperr provides a small error-builder used across the daemon so
// every component attaches the same structured metadata (component,
// category, context) to failures instead of returning bare errors.
package apperr

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Category groups errors for branching and logging.
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryState         Category = "state"
	CategoryResource      Category = "resource"
	CategoryHardware      Category = "hardware"
	CategoryProcessing    Category = "processing"
	CategoryConfiguration Category = "configuration"
	CategoryGeneric       Category = "generic"
)

// ComponentUnknown is used when no component was set on the builder.
const ComponentUnknown = "unknown"

// Error wraps a cause with component, category and free-form context.
type Error struct {
	Err       error
	Component string
	Category  Category
	Context   map[string]any
	Timestamp time.Time

	mu sync.RWMutex
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Component, e.Category)
	}
	return e.Err.Error()
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports equality by category when compared against another *Error,
// otherwise delegates to the wrapped cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if stderrors.As(target, &other) {
		return e.Category == other.Category
	}
	return stderrors.Is(e.Err, target)
}

// GetContext returns a copy of the error's context map.
func (e *Error) GetContext() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.Context == nil {
		return nil
	}
	cp := make(map[string]any, len(e.Context))
	maps.Copy(cp, e.Context)
	return cp
}

// Builder provides a fluent interface for constructing an *Error.
type Builder struct {
	err       error
	component string
	category  Category
	context   map[string]any
}

// New starts a builder wrapping cause, which may be nil for a fresh error.
func New(cause error) *Builder {
	return &Builder{err: cause}
}

// Newf starts a builder wrapping a formatted error.
func Newf(format string, args ...any) *Builder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the originating component name.
func (b *Builder) Component(component string) *Builder {
	b.component = component
	return b
}

// Category sets the error category.
func (b *Builder) Category(category Category) *Builder {
	b.category = category
	return b
}

// Context attaches a key/value pair of diagnostic context.
func (b *Builder) Context(key string, value any) *Builder {
	if b.context == nil {
		b.context = make(map[string]any)
	}
	b.context[key] = value
	return b
}

// Build finalizes the error, defaulting unset component/category.
func (b *Builder) Build() *Error {
	component := b.component
	if component == "" {
		component = ComponentUnknown
	}
	category := b.category
	if category == "" {
		category = CategoryGeneric
	}
	return &Error{
		Err:       b.err,
		Component: component,
		Category:  category,
		Context:   b.context,
		Timestamp: time.Now(),
	}
}

// CategoryOf extracts the Category of err, walking Unwrap chains, and
// reports CategoryGeneric with ok=false if no *Error is found.
func CategoryOf(err error) (cat Category, ok bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category, true
	}
	return CategoryGeneric, false
}
