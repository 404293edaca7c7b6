// Package discovery browses the local network for printer candidates over
// mDNS. Discovered printers are only announced, never auto-added; adding a
// printer requires credentials discovery cannot know.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/schmacka/printernizer-ha-sub000/config"
	"github.com/schmacka/printernizer-ha-sub000/events"
	"github.com/schmacka/printernizer-ha-sub000/storage"
)

// serviceKinds maps the browsed mDNS service types to the vendor kind a
// responder most likely is.
var serviceKinds = map[string]storage.PrinterKind{
	"_prusalink._tcp": storage.KindPrusaCore,
	"_octoprint._tcp": storage.KindPrusaCore,
	"_bambulab._tcp":  storage.KindBambuLab,
}

// Logger is the subset of the logger the scanner needs.
type Logger interface {
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Candidate is one discovered printer-like responder.
type Candidate struct {
	Name      string              `json:"name"`
	Host      string              `json:"host"`
	IPAddress string              `json:"ip_address"`
	Port      int                 `json:"port"`
	Service   string              `json:"service"`
	Kind      storage.PrinterKind `json:"kind"`
}

// Scanner runs mDNS browse passes and publishes candidates on the bus.
type Scanner struct {
	cfg config.DiscoveryConfig
	bus *events.Bus
	log Logger

	mu      sync.Mutex
	running bool
}

// NewScanner creates a network discovery scanner.
func NewScanner(cfg config.DiscoveryConfig, bus *events.Bus, log Logger) *Scanner {
	return &Scanner{cfg: cfg, bus: bus, log: log}
}

// StartupScan schedules the configured startup scan. No-op unless discovery
// is enabled and run_on_startup is set.
func (s *Scanner) StartupScan(ctx context.Context) {
	if !s.cfg.Enabled || !s.cfg.RunOnStartup {
		return
	}
	go func() {
		delay := time.Duration(s.cfg.StartupDelaySeconds) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if _, err := s.Scan(ctx); err != nil {
			s.log.Warn("Startup discovery scan failed", "error", err)
		}
	}()
}

// Scan runs one browse pass over every known service type and returns the
// deduplicated candidates. Each candidate is also published on the bus.
func (s *Scanner) Scan(ctx context.Context) ([]Candidate, error) {
	if !s.cfg.Enabled {
		return nil, fmt.Errorf("discovery is disabled")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("discovery scan already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var (
		candMu     sync.Mutex
		candidates []Candidate
		seen       = make(map[string]bool)
	)

	var wg sync.WaitGroup
	for service, kind := range serviceKinds {
		wg.Add(1)
		go func(service string, kind storage.PrinterKind) {
			defer wg.Done()
			resolver, err := zeroconf.NewResolver(nil)
			if err != nil {
				s.log.Warn("Failed to create mDNS resolver", "service", service, "error", err)
				return
			}
			entries := make(chan *zeroconf.ServiceEntry)
			browseCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			go func() {
				for entry := range entries {
					c := candidateFromEntry(entry, service, kind)
					if c == nil {
						continue
					}
					candMu.Lock()
					key := c.IPAddress + ":" + fmt.Sprint(c.Port)
					if seen[key] {
						candMu.Unlock()
						continue
					}
					seen[key] = true
					candidates = append(candidates, *c)
					candMu.Unlock()

					s.log.Info("Discovered printer candidate",
						"name", c.Name, "ip", c.IPAddress, "service", service)
					s.bus.Publish(events.TopicPrinterDiscovered, map[string]interface{}{
						"name":       c.Name,
						"host":       c.Host,
						"ip_address": c.IPAddress,
						"port":       c.Port,
						"service":    c.Service,
						"kind":       string(c.Kind),
					})
				}
			}()

			if err := resolver.Browse(browseCtx, service, "local.", entries); err != nil {
				s.log.Warn("mDNS browse failed", "service", service, "error", err)
				return
			}
			<-browseCtx.Done()
		}(service, kind)
	}
	wg.Wait()

	return candidates, nil
}

func candidateFromEntry(entry *zeroconf.ServiceEntry, service string, kind storage.PrinterKind) *Candidate {
	if entry == nil {
		return nil
	}
	ip := ""
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	}
	if ip == "" {
		return nil
	}
	return &Candidate{
		Name:      strings.TrimSuffix(entry.Instance, "."),
		Host:      strings.TrimSuffix(entry.HostName, "."),
		IPAddress: ip,
		Port:      entry.Port,
		Service:   service,
		Kind:      kind,
	}
}
