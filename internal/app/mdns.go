package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsAPIService  = "_seatplan._tcp"
	mdnsMQTTService = "_seatplan-mqtt._tcp"
	mdnsDomain      = "local."
)

// mdnsService is one DNS-SD registration.
type mdnsService struct {
	instance string
	service  string
	port     int
	txt      []string
}

// mdnsServices describes the HTTP API and the MQTT topics as two services so
// that editors and drag clients can browse for the one they speak.
func mdnsServices(hostname string, httpPort, mqttPort int) []mdnsService {
	host := sanitizeMDNSHost(hostname)
	if !strings.Contains(host, ".") {
		host += ".local"
	}

	var services []mdnsService
	if httpPort > 0 {
		services = append(services, mdnsService{
			instance: sanitizeMDNSInstance(fmt.Sprintf("Seatplan Layout (%s)", hostname)),
			service:  mdnsAPIService,
			port:     httpPort,
			txt: []string{
				"path=/api",
				"sessions=/api/projects/{project}/sessions",
				"host=" + host,
			},
		})
	}
	if mqttPort > 0 {
		services = append(services, mdnsService{
			instance: sanitizeMDNSInstance(fmt.Sprintf("Seatplan Moves (%s)", hostname)),
			service:  mdnsMQTTService,
			port:     mqttPort,
			txt: []string{
				"moves=" + movesTopicFilter,
				"saved=" + fmt.Sprintf(savedTopicFormat, "+"),
				"status=" + fmt.Sprintf(statusTopicFormat, "+"),
				"host=" + host,
			},
		})
	}
	return services
}

// startMDNS advertises the HTTP API and the MQTT broker on the local network.
func (a *App) startMDNS(mqttPort int) error {
	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "seatplan"
	}

	services := mdnsServices(hostname, a.config().HTTPPort, mqttPort)
	if len(services) == 0 {
		return errors.New("no ports to advertise")
	}

	for _, svc := range services {
		server, err := zeroconf.Register(svc.instance, svc.service, mdnsDomain, svc.port, svc.txt, nil)
		if err != nil {
			a.stopMDNS()
			return fmt.Errorf("register %s: %w", svc.service, err)
		}
		a.mdns = append(a.mdns, server)
		a.logger.Info("mDNS advertisement started", "service", svc.service, "instance", svc.instance, "port", svc.port)
	}
	return nil
}

func (a *App) stopMDNS() {
	if len(a.mdns) == 0 {
		return
	}

	for _, server := range a.mdns {
		server.Shutdown()
	}
	a.mdns = nil
	a.logger.Info("mDNS advertisement stopped")
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "Seatplan Layout"
	}
	return truncateLabel(cleaned)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "seatplan"
	}
	return truncateLabel(cleaned)
}

// DNS labels are at most 63 bytes.
func truncateLabel(s string) string {
	if len(s) <= 63 {
		return s
	}
	runes := []rune(s)
	for len(string(runes)) > 63 {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}
