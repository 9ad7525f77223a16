package version

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()
	require.NotNil(t, info)

	assert.NotEmpty(t, info.GoVersion)
	assert.NotNil(t, info.Dependencies)
	assert.True(t, sort.SliceIsSorted(info.Dependencies, func(i, j int) bool {
		return info.Dependencies[i].Path < info.Dependencies[j].Path
	}))
}

func TestVersionDefault(t *testing.T) {
	assert.NotEmpty(t, Version)
}
