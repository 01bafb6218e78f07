package agent

import (
	"net"

	"github.com/roboviewer/robocam/internal/util"
)

// CheckNetwork logs the host's outward-facing address and probes that a UDP
// socket can bind, since media transport depends on both. Failures are
// warnings only; the agent still starts.
func CheckNetwork() {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		util.LogWarning("network self-check: no route out: %v", err)
	} else {
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			util.LogInfo("local address: %s", addr.IP)
		}
		conn.Close()
	}

	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		util.LogWarning("UDP bind probe failed: %v", err)
		return
	}
	util.LogDebug("UDP bind probe ok: %s", pc.LocalAddr())
	pc.Close()
}
