package frontend

import (
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bc183/otun/internal/registry"
)

var statusTmpl = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>otun</title></head>
<body>
<h1>otun tunnel server</h1>
<p>{{len .Tunnels}} tunnel(s) registered</p>
<table border="1" cellpadding="4">
<tr><th>Subdomain</th><th>Client</th><th>Remote</th><th>Uptime</th><th>Requests</th><th>Errors</th></tr>
{{range .Tunnels}}<tr>
<td>{{.Subdomain}}</td>
<td>{{.ClientID}}</td>
<td>{{.RemoteAddr}}</td>
<td>{{.Uptime}}</td>
<td>{{.Counters.RequestCount}}</td>
<td>{{.Counters.ErrorCount}}</td>
</tr>{{end}}
</table>
</body>
</html>
`))

type statusRow struct {
	registry.Snapshot
	Uptime string
}

type statusPage struct {
	Tunnels []statusRow
}

// serveStatus renders a non-sensitive summary of registered tunnels for
// requests targeting the apex host or an unrecognized Host (spec §4.8).
// It never performs control actions.
func (f *Frontend) serveStatus(w http.ResponseWriter, r *http.Request) {
	snaps := f.reg.Snapshot()
	page := statusPage{Tunnels: make([]statusRow, 0, len(snaps))}

	for _, s := range snaps {
		if f.cfg.RedactAddresses {
			s.RemoteAddr = redactToSlash24(s.RemoteAddr)
		}
		page.Tunnels = append(page.Tunnels, statusRow{
			Snapshot: s,
			Uptime:   time.Since(s.RegisteredAt).Round(time.Second).String(),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	statusTmpl.Execute(w, page)
}

// redactToSlash24 truncates an IPv4 address to its /24 network, leaving
// the port and any non-IPv4 address unmodified.
func redactToSlash24(addr string) string {
	host := addr
	port := ""
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host, port = h, p
	}

	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return addr
	}

	parts := strings.Split(ip.To4().String(), ".")
	redacted := strings.Join(parts[:3], ".") + ".0"
	if port != "" {
		return net.JoinHostPort(redacted, port)
	}
	return redacted
}
