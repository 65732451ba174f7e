// Package config handles orchestrator configuration loading and management.
//
// Global configuration is stored in ~/.splitmind/config.json, layered with
// environment variables and per-project overrides at
// <project_root>/.splitmind/project.json.
package config
