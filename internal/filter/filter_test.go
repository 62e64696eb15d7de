package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probe struct {
	path string
	dir  bool
	size int64
	keep bool
}

func TestChainMatch(t *testing.T) {
	tests := []struct {
		name   string
		rules  []string
		probes []probe
	}{
		{
			name: "empty keeps everything",
			probes: []probe{
				{"photos/2026/img.jpg", false, 1 << 20, true},
				{"photos", true, 0, true},
			},
		},
		{
			name:  "exclude by extension at any depth",
			rules: []string{"*.part"},
			probes: []probe{
				{"upload.part", false, 10, false},
				{"shared/team/upload.part", false, 10, false},
				{"shared/team/upload.pdf", false, 10, true},
			},
		},
		{
			name:  "earlier include wins",
			rules: []string{"+ keep.part", "- *.part"},
			probes: []probe{
				{"keep.part", false, 1, true},
				{"drop.part", false, 1, false},
			},
		},
		{
			name:  "earlier exclude wins",
			rules: []string{"- *.part", "+ keep.part"},
			probes: []probe{
				{"keep.part", false, 1, false},
			},
		},
		{
			name:  "trailing slash matches directories only",
			rules: []string{"node_modules/"},
			probes: []probe{
				{"app/node_modules", true, 0, false},
				{"app/node_modules", false, 5, true},
			},
		},
		{
			name:  "leading slash anchors at the copy root",
			rules: []string{"/.trash"},
			probes: []probe{
				{".trash", true, 0, false},
				{"alice/.trash", true, 0, true},
			},
		},
		{
			name:  "doublestar include then exclude rest",
			rules: []string{"+ **/*.md", "- *"},
			probes: []probe{
				{"README.md", false, 1, true},
				{"docs/api/index.md", false, 1, true},
				{"docs/logo.png", false, 1, false},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(tt.rules)
			require.NoError(t, err)
			assert.Equal(t, len(tt.rules) == 0, c.Empty())
			for _, p := range tt.probes {
				assert.Equal(t, p.keep, c.Match(p.path, p.dir, p.size), p.path)
			}
		})
	}
}

func TestChainSizeBounds(t *testing.T) {
	c := NewChain()
	c.SetMinSize(4 << 10)
	c.SetMaxSize(1 << 20)
	assert.False(t, c.Empty())

	assert.False(t, c.Match("thumb.jpg", false, 1<<10))
	assert.True(t, c.Match("photo.jpg", false, 256<<10))
	assert.False(t, c.Match("video.mp4", false, 1<<30))
	assert.True(t, c.Match("albums", true, 0), "directories ignore size bounds")

	lower := NewChain()
	lower.SetMinSize(1)
	assert.False(t, lower.Match("empty.txt", false, 0))
	assert.True(t, lower.Match("big.bin", false, 1<<40))
}

func TestNilChainKeepsEverything(t *testing.T) {
	var c *Chain
	assert.True(t, c.Empty())
	assert.True(t, c.Match("anything", false, 1))
}

func TestRulesRoundTrip(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.AddInclude("keep.part"))
	require.NoError(t, c.AddExclude("*.part"))
	assert.Equal(t, []string{"+ keep.part", "- *.part"}, c.Rules())

	again, err := Compile(c.Rules())
	require.NoError(t, err)
	assert.True(t, again.Match("keep.part", false, 1))
	assert.False(t, again.Match("other.part", false, 1))
}

func TestCompileReportsRuleNumber(t *testing.T) {
	_, err := Compile([]string{"*.tmp", "[unterminated"})
	assert.ErrorContains(t, err, "rule 2")
}
