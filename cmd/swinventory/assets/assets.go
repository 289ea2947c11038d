// Package assets embeds static files served by the control API.
package assets

import _ "embed"

//go:embed openapi.yaml
var OpenApiData []byte
