// Package dashboard holds the status page served by the monitoring API.
package dashboard

import (
	"embed"
	"io/fs"
)

// DistFS holds the files under dashboard/dist.
//
//go:embed all:dist
var DistFS embed.FS

// Index returns the dashboard entry page.
func Index() ([]byte, error) {
	return fs.ReadFile(DistFS, "dist/index.html")
}
