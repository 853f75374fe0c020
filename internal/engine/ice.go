package engine

import (
	"net"
	"strings"

	pion "github.com/pion/webrtc/v4"
)

// ICEConfig lists the STUN and TURN servers a peer connection may use.
type ICEConfig struct {
	STUNServers []string
	TURNServers []string
	Username    string
	Credential  string

	// ForceRelay sends all media through TURN. It only applies when TURN
	// servers are configured.
	ForceRelay bool
}

// Configuration builds the pion configuration, forcing relay when asked to
// or when the host looks like it sits behind a VPN or CGNAT.
func (c ICEConfig) Configuration() pion.Configuration {
	var servers []pion.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, pion.ICEServer{URLs: c.STUNServers})
	}
	if len(c.TURNServers) > 0 {
		servers = append(servers, pion.ICEServer{
			URLs:       c.TURNServers,
			Username:   c.Username,
			Credential: c.Credential,
		})
	}

	policy := pion.ICETransportPolicyAll
	if len(c.TURNServers) > 0 && (c.ForceRelay || shouldForceRelay()) {
		policy = pion.ICETransportPolicyRelay
	}

	return pion.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
	}
}

// shouldForceRelay checks if the system is likely behind a restrictive VPN or
// CGNAT, where direct connectivity usually fails anyway.
func shouldForceRelay() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	// Cloudflare WARP, Tailscale and carrier grade NATs live here.
	_, cgnatBlock, _ := net.ParseCIDR("100.64.0.0/10")

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isTunnelInterface(iface.Name) {
			return true
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if cgnatBlock.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func isTunnelInterface(name string) bool {
	name = strings.ToLower(name)
	for _, marker := range []string{"tun", "tap", "wg", "ppp", "warp"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
