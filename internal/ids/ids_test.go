package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBase36(t *testing.T) {
	tests := []struct {
		n     int
		width int
		want  string
	}{
		{0, 2, "00"},
		{1, 2, "01"},
		{10, 2, "0a"},
		{35, 2, "0z"},
		{36, 2, "10"},
		{1295, 2, "zz"},
		{0, 4, "0000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EncodeBase36(tt.n, tt.width))
	}
}

func testLayers() []Layer {
	return []Layer{
		{ID: "floor", BuildOrder: 0, Items: []Item{
			{ID: "marble", Index: 1},
			{ID: "oak", Index: 2},
		}},
		{ID: "walls", BuildOrder: 1, Items: []Item{
			{ID: "white", Index: 2},
			{ID: "blue", Index: 3},
		}},
		{ID: "trim", BuildOrder: 7, Items: []Item{ // out of range, ignored
			{ID: "gold", Index: 9},
		}},
	}
}

func TestBuildString(t *testing.T) {
	layers := testLayers()

	build := BuildString(0, layers, map[string]string{"floor": "marble", "walls": "white"})
	require.Len(t, build, BuildLen)
	assert.Equal(t, "000102000000", build)

	// Deterministic: same inputs, same output.
	assert.Equal(t, build, BuildString(0, layers, map[string]string{"walls": "white", "floor": "marble"}))

	// Absent selections collapse to the zero slot.
	assert.Equal(t, "000000000000", BuildString(0, layers, nil))
	assert.Equal(t, "000000000000", BuildString(0, layers, map[string]string{"floor": "no-such-item"}))

	// Scene index occupies the prefix.
	assert.Equal(t, "0a0000000000", BuildString(10, layers, nil))
}

func TestBuildStringValidatorSymmetry(t *testing.T) {
	layers := testLayers()
	selections := []map[string]string{
		nil,
		{"floor": "marble"},
		{"floor": "oak", "walls": "blue"},
		{"unknown": "x"},
	}
	for _, sel := range selections {
		build := BuildString(3, layers, sel)
		assert.NoError(t, ValidateBuildString(build), "build %q", build)
	}
}

func TestValidateBuildString(t *testing.T) {
	assert.NoError(t, ValidateBuildString("000102000000"))
	assert.NoError(t, ValidateBuildString("zzzzzzzzzzzz"))

	bad := []string{
		"",
		"short",
		"0001020000000",  // 13 chars
		"00010200000A",   // uppercase
		"00010200000-",   // hyphen
		"00010200000.",   // dot
		"../etc/passwd1", // traversal-looking
	}
	for _, s := range bad {
		assert.Error(t, ValidateBuildString(s), "expected rejection of %q", s)
	}
}

func TestValidateSafeID(t *testing.T) {
	good := []string{"acme", "a", "monte-negro", "x9", "a1-b2-c3"}
	for _, s := range good {
		assert.NoError(t, ValidateSafeID(s, "client"))
	}

	bad := []string{
		"",
		"-acme",
		"acme-",
		"Acme",
		"a..b",
		"a/b",
		`a\b`,
		"a_b",
		"a b",
		"ação",
	}
	for _, s := range bad {
		assert.Error(t, ValidateSafeID(s, "client"), "expected rejection of %q", s)
	}
}
