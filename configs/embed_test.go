package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/kbindex/internal/config"
)

func TestTemplates_ParseAndValidate(t *testing.T) {
	for name, tmpl := range map[string]string{
		"user":    UserConfigTemplate,
		"project": ProjectConfigTemplate,
	} {
		t.Run(name, func(t *testing.T) {
			require.NotEmpty(t, tmpl)

			cfg := config.NewConfig()
			require.NoError(t, yaml.Unmarshal([]byte(tmpl), cfg))
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestProjectTemplate_MatchesDefaults(t *testing.T) {
	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(ProjectConfigTemplate), &cfg))

	defaults := config.NewConfig()
	assert.Equal(t, defaults.Storage.Backend, cfg.Storage.Backend)
	assert.Equal(t, defaults.Index.DefaultLayout, cfg.Index.DefaultLayout)
	assert.Equal(t, defaults.Index.BloomFPRate, cfg.Index.BloomFPRate)
	assert.Equal(t, defaults.Index.BloomHashCount, cfg.Index.BloomHashCount)
}
