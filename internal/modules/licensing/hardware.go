package licensing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/net"
)

// Similarity weights. Slot order is part of the wire protocol: slot 1 is
// the motherboard hash, slot 2 the CPU hash, slot 3 the MAC hash.
const (
	weightMotherboard = 0.40
	weightCPU         = 0.30
	weightMAC         = 0.30
)

// Components are the three hardware fingerprint hashes binding a license to
// a host
type Components struct {
	Motherboard string `json:"hw1"`
	CPU         string `json:"hw2"`
	MAC         string `json:"hw3"`
}

// Similarity computes the weighted equality score between two fingerprints.
// The function is symmetric and scores 1.0 against itself.
func Similarity(a, b Components) float64 {
	score := 0.0
	if a.Motherboard == b.Motherboard {
		score += weightMotherboard
	}
	if a.CPU == b.CPU {
		score += weightCPU
	}
	if a.MAC == b.MAC {
		score += weightMAC
	}
	return score
}

// CollectComponents fingerprints the current host. A failing probe yields an
// empty hash for that slot, which simply scores zero on comparison.
func CollectComponents(log zerolog.Logger) Components {
	c := Components{}

	if info, err := host.Info(); err == nil && info.HostID != "" {
		c.Motherboard = hashComponent(info.HostID)
	} else if err != nil {
		log.Warn().Err(err).Msg("Failed to read host id for fingerprint")
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		first := infos[0]
		c.CPU = hashComponent(first.VendorID + "|" + first.ModelName + "|" + first.PhysicalID)
	} else if err != nil {
		log.Warn().Err(err).Msg("Failed to read CPU info for fingerprint")
	}

	if mac := firstHardwareMAC(); mac != "" {
		c.MAC = hashComponent(mac)
	}

	return c
}

// firstHardwareMAC returns the lowest-named interface with a MAC address,
// skipping loopback and virtual interfaces
func firstHardwareMAC() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	best := ""
	bestName := ""
	for _, iface := range interfaces {
		if iface.HardwareAddr == "" {
			continue
		}
		name := strings.ToLower(iface.Name)
		if strings.HasPrefix(name, "lo") || strings.HasPrefix(name, "veth") ||
			strings.HasPrefix(name, "docker") || strings.HasPrefix(name, "br-") {
			continue
		}
		if bestName == "" || name < bestName {
			bestName = name
			best = iface.HardwareAddr
		}
	}
	return best
}

func hashComponent(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(raw))))
	return hex.EncodeToString(sum[:])
}
