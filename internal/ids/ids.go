// Package ids implements the build-string encoding and the identifier
// validation used on every path segment that reaches the object store.
package ids

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arielsmarin/straty-backend-stable/internal/fault"
)

// Build-string geometry. A build is the scene index followed by one slot per
// fixed layer, all base-36: 2 + 5*2 = 12 chars.
const (
	SceneChars  = 2
	LayerChars  = 2
	FixedLayers = 5
	BuildLen    = SceneChars + FixedLayers*LayerChars
)

const base36Digits = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	buildRe  = regexp.MustCompile(`^[0-9a-z]{12}$`)
	safeIDRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-]{0,62}[a-z0-9])?$`)
)

// EncodeBase36 returns n as a zero-padded lowercase base-36 string of exactly
// width chars. Values that do not fit the width are a programmer error.
func EncodeBase36(n int, width int) string {
	if n < 0 {
		panic("ids: negative value")
	}
	var b strings.Builder
	for n > 0 {
		b.WriteByte(base36Digits[n%36])
		n /= 36
	}
	s := b.String()
	// digits were appended least-significant first
	runes := []byte(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	s = string(runes)
	if len(s) > width {
		panic(fmt.Sprintf("ids: %d does not fit %d base-36 chars", n, width))
	}
	return strings.Repeat("0", width-len(s)) + s
}

// Layer is the slice of a scene layer the build derivation needs.
type Layer struct {
	ID         string
	BuildOrder int
	Items      []Item
}

// Item is a selectable material within a layer.
type Item struct {
	ID    string
	Index int
}

// BuildString derives the deterministic cache key for a selection.
// Unselected or unknown layers collapse to the all-zero slot, so an empty
// selection and a selection of defaults produce the same build.
func BuildString(sceneIndex int, layers []Layer, selection map[string]string) string {
	values := make([]int, FixedLayers)

	for _, layer := range layers {
		if layer.BuildOrder < 0 || layer.BuildOrder >= FixedLayers {
			continue
		}
		selected, ok := selection[layer.ID]
		if !ok || selected == "" {
			continue
		}
		for _, item := range layer.Items {
			if item.ID == selected {
				values[layer.BuildOrder] = item.Index
				break
			}
		}
	}

	var b strings.Builder
	b.WriteString(EncodeBase36(sceneIndex, SceneChars))
	for _, v := range values {
		b.WriteString(EncodeBase36(v, LayerChars))
	}
	return b.String()
}

// ValidateBuildString accepts exactly BuildLen lowercase base-36 chars.
func ValidateBuildString(build string) error {
	if len(build) != BuildLen || !buildRe.MatchString(build) {
		return fmt.Errorf("%w: build %q", fault.ErrInvalidInput, build)
	}
	return nil
}

// ValidateSafeID accepts identifiers safe for object-store keys and URLs:
// lowercase alphanumerics and hyphens, 1-64 chars, no leading or trailing
// hyphen, and nothing that could traverse paths.
func ValidateSafeID(value, field string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is empty", fault.ErrInvalidInput, field)
	}
	if strings.Contains(value, "..") || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("%w: %s contains forbidden characters", fault.ErrInvalidInput, field)
	}
	if !safeIDRe.MatchString(value) {
		return fmt.Errorf("%w: %s must be lowercase alphanumerics and hyphens", fault.ErrInvalidInput, field)
	}
	return nil
}
