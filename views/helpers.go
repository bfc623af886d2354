package views

import (
	"html/template"
	"time"

	"github.com/dustin/go-humanize"
)

var funcs = template.FuncMap{
	"bytes":       formatBytes,
	"datetime":    formatTime,
	"statusClass": StatusClass,
	"inc":         func(i int) int { return i + 1 },
}

func formatBytes(n int) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// formatTime renders t in the German short form used across the UI.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("02.01.2006 15:04")
}

// StatusClass returns the CSS class for a reachability status code.
func StatusClass(code string) string {
	switch code {
	case "reachable-authorized":
		return "status status-ok"
	case "reachable-unauthorized":
		return "status status-warn"
	case "unreachable":
		return "status status-error"
	default:
		return "status status-unknown"
	}
}
