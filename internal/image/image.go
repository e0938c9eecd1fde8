// Package image validates requested container images against an
// operator-configured allow-list.
package image

import (
	"fmt"
	"strings"
)

var (
	// ErrNotAllowed is returned when a requested image is not on the allow-list.
	ErrNotAllowed = fmt.Errorf("image not allowed")

	// ErrNoImages is returned when the allow-list is empty, so no default exists.
	ErrNoImages = fmt.Errorf("image allow-list is empty")
)

// Resolver holds the image allow-list. The first entry is the default.
type Resolver struct {
	allowed []string
}

// NewResolver builds a Resolver from the configured allow-list,
// preserving order and dropping duplicates and blank entries.
func NewResolver(allowed []string) *Resolver {
	seen := make(map[string]bool, len(allowed))
	var list []string
	for _, img := range allowed {
		img = strings.TrimSpace(img)
		if img == "" || seen[img] {
			continue
		}
		seen[img] = true
		list = append(list, img)
	}
	return &Resolver{allowed: list}
}

// Resolve returns the image to use for a lab. An empty request resolves
// to the first allow-listed image; anything else must match an entry
// exactly.
func (r *Resolver) Resolve(requested string) (string, error) {
	if len(r.allowed) == 0 {
		return "", ErrNoImages
	}
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return r.allowed[0], nil
	}
	for _, img := range r.allowed {
		if img == requested {
			return img, nil
		}
	}
	return "", fmt.Errorf("%w: %q (valid: %s)", ErrNotAllowed, requested, strings.Join(r.allowed, ", "))
}

// List returns a copy of the allow-list for the routing layer.
func (r *Resolver) List() []string {
	out := make([]string, len(r.allowed))
	copy(out, r.allowed)
	return out
}
