package webassets

import "embed"

// FS contains the browser scripts served by the dashboard gateway.
//
//go:embed activity-client.js
var FS embed.FS
