package document

import (
	"fmt"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

var namedColors = map[string]bool{
	"red": true, "orange": true, "yellow": true, "green": true, "teal": true,
	"blue": true, "purple": true, "pink": true, "gray": true, "brown": true,
}

// NormalizeColor canonicalizes a color tag. Palette names are lower-cased,
// hex values become #rrggbb, and the empty string clears the color.
func NormalizeColor(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", nil
	}
	lower := strings.ToLower(tag)
	if namedColors[lower] {
		return lower, nil
	}
	if !strings.HasPrefix(lower, "#") {
		lower = "#" + lower
	}
	c, err := colorful.Hex(lower)
	if err != nil {
		return "", fmt.Errorf("color %q: %w", tag, ErrInvalidInput)
	}
	return c.Hex(), nil
}
