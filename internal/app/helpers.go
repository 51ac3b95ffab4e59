package app

import (
	"strings"

	"github.com/petervdpas/voxmatch/internal/config"
)

// HealthURL turns a listen address into the local health check URL.
func HealthURL(addr string) string {
	a := strings.TrimSpace(addr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return "http://" + a + "/healthz"
}

func logBanner(dataDir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("voxmatch signaling server")
	log.Infof(" Data folder : %s", dataDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Listen      : %s", cfg.Server.HTTPAddr)
	log.Infof(" Room size   : %d", cfg.Rooms.MaxParticipants)
	log.Info("────────────────────────────────────────")
}
