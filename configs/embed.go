// Package configs provides embedded configuration templates for kbindex.
//
// Templates are embedded at build time so `kbindex config init` works from
// any distribution. They are used by:
//   - cmd/kbindex/cmd/config.go → user config at ~/.config/kbindex/config.yaml
//   - cmd/kbindex/cmd/config.go → project config at .kbindex.yaml (--project)
//
// Configuration hierarchy (see internal/config/config.go Load()):
//  1. Hardcoded defaults (internal/config/config.go NewConfig())
//  2. User config (~/.config/kbindex/config.yaml)
//  3. Project config (.kbindex.yaml)
//  4. Environment variables (KBINDEX_*)
package configs

import _ "embed"

// UserConfigTemplate is the template for machine-level configuration:
// holder id, lease timing, log level and metrics.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string

// ProjectConfigTemplate is the template for one knowledge base: storage
// backend, index layout and migration settings.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
