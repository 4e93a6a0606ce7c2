// Package templates embeds the default broker configuration.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
