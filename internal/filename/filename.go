// Package filename renders the output path template against the wall clock
// at trigger time using strftime directives.
package filename

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/strftime"
)

// MaxRenderedLength bounds the rendered path to a fixed 1024-byte buffer.
const MaxRenderedLength = 1024

// Render expands template's strftime directives against t (local time).
func Render(template string, t time.Time) (string, error) {
	f, err := strftime.New(template)
	if err != nil {
		return "", fmt.Errorf("invalid filename template %q: %w", template, err)
	}

	out := f.FormatString(t.Local())
	if len(out) > MaxRenderedLength {
		return "", fmt.Errorf("rendered filename exceeds %d bytes", MaxRenderedLength)
	}

	return out, nil
}
