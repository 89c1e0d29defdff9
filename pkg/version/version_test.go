package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	// Given: the version set at build time
	if Version == "dev" {
		return
	}

	// Then: it follows semver
	semverRegex := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	require.True(t, semverRegex.MatchString(Version), "got: %s", Version)
}

func TestString_ContainsBuildInfo(t *testing.T) {
	s := String()

	assert.True(t, strings.HasPrefix(s, "kbindex "+Version))
	assert.Contains(t, s, "commit: "+Commit)
	assert.Contains(t, s, "go: "+runtime.Version())
}

func TestShort(t *testing.T) {
	assert.Equal(t, Version, Short())
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()

	assert.Equal(t, "kbindex/"+Version+" ("+runtime.GOOS+"/"+runtime.GOARCH+")", ua)
}

func TestGetInfo(t *testing.T) {
	// When: serializing build info
	info := GetInfo()
	data, err := json.Marshal(info)
	require.NoError(t, err)

	// Then: every field is present
	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, Version, parsed["version"])
	assert.Equal(t, runtime.GOOS, parsed["os"])
	assert.Equal(t, runtime.GOARCH, parsed["arch"])
	assert.Contains(t, parsed, "go_version")
	assert.Contains(t, parsed, "date")
	assert.Contains(t, parsed, "commit")
}
