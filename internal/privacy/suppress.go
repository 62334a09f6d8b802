// SPDX-License-Identifier: MIT

package privacy

import (
	"net"
	"strings"

	"github.com/toolary/telemetry/internal/botdetect"
	"github.com/toolary/telemetry/internal/ports"
)

// Suppression reasons. An empty reason means tracking is allowed.
const (
	ReasonDisabled  = "disabled"
	ReasonBot       = "bot"
	ReasonDNT       = "dnt"
	ReasonLocalHost = "local_host"
)

// Suppressor evaluates the short-circuit chain that must reject a track call
// before anything touches the network.
type Suppressor struct {
	Disabled   bool
	RespectDNT bool
	Verdict    botdetect.Verdict
}

// Check returns the first matching suppression reason, or "" when tracking
// may proceed.
func (s Suppressor) Check(runtime ports.Runtime) string {
	if s.Disabled {
		return ReasonDisabled
	}
	if s.Verdict.Bot {
		return ReasonBot
	}
	if s.RespectDNT && runtime.DoNotTrack() {
		return ReasonDNT
	}
	if LocalHost(runtime.Location().Host) {
		return ReasonLocalHost
	}
	return ""
}

// LocalHost reports whether host is a known local or development host that
// must never produce telemetry.
func LocalHost(host string) bool {
	if host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))

	switch host {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	}
	for _, suffix := range []string{".local", ".test", ".localhost", ".example"} {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
	}
	return false
}
