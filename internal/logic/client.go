package logic

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/avct/uasurfer"
)

// ClientInfo describes the browser a decision request came from.
type ClientInfo struct {
	DeviceType string
	OS         string
	Browser    string
	IsBot      bool
}

// ResolveClient parses a raw User-Agent string using uasurfer.
func ResolveClient(uaString string) ClientInfo {
	u := uasurfer.Parse(uaString)

	var deviceType string
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		deviceType = "desktop"
	case uasurfer.DevicePhone:
		deviceType = "mobile"
	case uasurfer.DeviceTablet:
		deviceType = "tablet"
	default:
		deviceType = "other"
	}

	osName := fmt.Sprintf("%s %s", u.OS.Platform.String(), u.OS.Name.String())
	v := u.OS.Version
	bv := u.Browser.Version

	return ClientInfo{
		DeviceType: deviceType,
		OS:         fmt.Sprintf("%s %d.%d.%d", osName, v.Major, v.Minor, v.Patch),
		Browser:    fmt.Sprintf("%s %d.%d.%d", u.Browser.Name.String(), bv.Major, bv.Minor, bv.Patch),
		IsBot:      u.IsBot(),
	}
}

// ClientIP returns the address a request came from, preferring the first
// X-Forwarded-For hop when the service sits behind a proxy.
func ClientIP(r *http.Request) net.IP {
	ipStr := r.Header.Get("X-Forwarded-For")
	if ipStr != "" {
		if idx := strings.Index(ipStr, ","); idx != -1 {
			ipStr = ipStr[:idx]
		}
		ipStr = strings.TrimSpace(ipStr)
	} else {
		ipStr = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ipStr); err == nil {
			ipStr = host
		}
	}
	return net.ParseIP(ipStr)
}
