package scan

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/khanghh/kguard/model"
)

type RiskyPort struct {
	Service  string
	Severity model.Severity
}

// DefaultRiskyPorts are services that should never be reachable from outside.
var DefaultRiskyPorts = map[int]RiskyPort{
	21:    {"ftp", model.SeverityMedium},
	23:    {"telnet", model.SeverityHigh},
	2375:  {"docker", model.SeverityCritical},
	3306:  {"mysql", model.SeverityHigh},
	5432:  {"postgresql", model.SeverityHigh},
	6379:  {"redis", model.SeverityHigh},
	9200:  {"elasticsearch", model.SeverityHigh},
	11211: {"memcached", model.SeverityMedium},
	27017: {"mongodb", model.SeverityHigh},
}

// NetworkScanner probes hosts for open risky TCP ports.
type NetworkScanner struct {
	Hosts       []string
	Ports       map[int]RiskyPort
	DialTimeout time.Duration
}

func (s *NetworkScanner) Name() string {
	return ScanTypeNetwork
}

func (s *NetworkScanner) Scan(ctx context.Context) ([]model.Vulnerability, error) {
	if len(s.Hosts) == 0 {
		return nil, fmt.Errorf("no hosts configured")
	}
	ports := make([]int, 0, len(s.Ports))
	for port := range s.Ports {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	dialer := net.Dialer{Timeout: s.DialTimeout}
	var vulns []model.Vulnerability
	for _, host := range s.Hosts {
		for _, port := range ports {
			if err := ctx.Err(); err != nil {
				return vulns, err
			}
			addr := net.JoinHostPort(host, strconv.Itoa(port))
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				continue
			}
			conn.Close()
			risk := s.Ports[port]
			vulns = append(vulns, model.Vulnerability{
				ID:             "open-port-" + risk.Service + "@" + addr,
				Title:          fmt.Sprintf("%s port reachable", risk.Service),
				Description:    fmt.Sprintf("%s accepted a TCP connection on %s", host, addr),
				Severity:       risk.Severity,
				SourceTool:     ScanTypeNetwork,
				OWASPCategory:  model.OWASPSecurityMisconfig,
				Recommendation: fmt.Sprintf("Restrict access to %s with a firewall or bind it to a private interface", risk.Service),
				Location:       addr,
			})
		}
	}
	return vulns, nil
}

func NewNetworkScanner(hosts []string, dialTimeout time.Duration) *NetworkScanner {
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	return &NetworkScanner{Hosts: hosts, Ports: DefaultRiskyPorts, DialTimeout: dialTimeout}
}
