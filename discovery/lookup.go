package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Endpoint is an archiver found on the local network.
type Endpoint struct {
	InstanceID   string
	InstanceName string
	HashMethod   string
	Version      int
	HostName     string
	Port         int
	Addresses    []string
	LastSeen     time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (e Endpoint) Address() string {
	host := strings.TrimSuffix(e.HostName, ".")
	if len(e.Addresses) > 0 {
		host = e.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Lookup browses for archivers until ScanTimeout or ctx ends. Entries
// advertising InstanceID are skipped, so an archiver never finds itself.
func Lookup(ctx context.Context, config Config) ([]Endpoint, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Endpoint)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				endpoint, ok := parseEntry(entry, cfg.InstanceID)
				if !ok {
					continue
				}
				endpoint.LastSeen = time.Now()
				collected[endpoint.InstanceID] = endpoint
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	// The scan window ending is the normal way out; only a caller
	// cancellation is reported.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Endpoint, 0, len(collected))
	for _, endpoint := range collected {
		out = append(out, endpoint)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceName == out[j].InstanceName {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].InstanceName < out[j].InstanceName
	})

	logger := cfg.logger()
	logger.Debug().Int("found", len(out)).Dur("window", cfg.ScanTimeout).Msg("lookup finished")
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfInstanceID string) (Endpoint, bool) {
	txt := txtToMap(entry.Text)

	instanceID := strings.TrimSpace(txt[txtInstanceID])
	if instanceID == "" || instanceID == selfInstanceID {
		return Endpoint{}, false
	}
	if entry.Port <= 0 {
		return Endpoint{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	appendAddrs := func(ips []net.IP) {
		sorted := make([]string, 0, len(ips))
		for _, ip := range ips {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			sorted = append(sorted, raw)
		}
		sort.Strings(sorted)
		addresses = append(addresses, sorted...)
	}
	appendAddrs(entry.AddrIPv4)
	appendAddrs(entry.AddrIPv6)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = instanceID
	}

	return Endpoint{
		InstanceID:   instanceID,
		InstanceName: name,
		HashMethod:   strings.TrimSpace(txt[txtHashMethod]),
		Version:      version,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
