package hub

import (
	"io"
	"log"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/pkg/errors"
)

const (
	hubService = "_playerhub._tcp"

	// DefaultDiscoverTimeout bounds one mDNS query round.
	DefaultDiscoverTimeout = 3 * time.Second

	aliveProbeTimeout = 2 * time.Second
)

var ErrNoHubFound = errors.New("discoverHubs: no player hub answered on the local network")

// HubEntry is one player hub advertised on the local network.
type HubEntry struct {
	Name string
	URL  string
	Addr string
}

// Stubbed in tests.
var (
	mdnsQuery   = mdns.Query
	hostIsAlive = hostPortIsAlive
)

// DiscoverHubs browses the local network for player hubs. It queries
// every active interface so multi-homed machines see hubs on all of
// them, keeps only hubs that answer a TCP probe, and returns them
// sorted by name.
func DiscoverHubs(timeout time.Duration) ([]HubEntry, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoverTimeout
	}

	entriesCh := make(chan *mdns.ServiceEntry, 256)
	doneCh := make(chan struct{})

	seen := make(map[string]HubEntry)
	go func() {
		defer close(doneCh)
		for entry := range entriesCh {
			if hub, ok := hubFromEntry(entry); ok {
				seen[hub.Addr] = hub
			}
		}
	}()

	queryIface := func(iface *net.Interface) {
		params := mdns.DefaultParams(hubService)
		params.Entries = entriesCh
		params.Timeout = timeout
		params.DisableIPv6 = true
		params.WantUnicastResponse = true
		params.Logger = log.New(io.Discard, "", 0)
		params.Interface = iface
		_ = mdnsQuery(params)
	}

	interfaces := activeInterfaces()
	if len(interfaces) > 0 {
		var wg sync.WaitGroup
		for _, iface := range interfaces {
			wg.Add(1)
			go func(iface net.Interface) {
				defer wg.Done()
				queryIface(&iface)
			}(iface)
		}
		wg.Wait()
	} else {
		queryIface(nil)
	}

	close(entriesCh)
	<-doneCh

	hubs := make([]HubEntry, 0, len(seen))
	for _, hub := range seen {
		if hostIsAlive(hub.Addr) {
			hubs = append(hubs, hub)
		}
	}
	if len(hubs) == 0 {
		return nil, ErrNoHubFound
	}

	sort.Slice(hubs, func(i, j int) bool { return hubs[i].Name < hubs[j].Name })

	return hubs, nil
}

// hubFromEntry converts one mDNS answer into a hub candidate. The hub
// advertises its WebSocket path and display name in TXT fields.
func hubFromEntry(entry *mdns.ServiceEntry) (HubEntry, bool) {
	if entry == nil || entry.AddrV4 == nil || entry.Port == 0 {
		return HubEntry{}, false
	}

	name := entry.Name
	if idx := strings.Index(name, "."+hubService); idx > 0 {
		name = name[:idx]
	}

	path := "/ws"
	for _, txt := range entry.InfoFields {
		if after, ok := strings.CutPrefix(txt, "name="); ok {
			name = after
		}
		if after, ok := strings.CutPrefix(txt, "path="); ok {
			path = after
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	addr := net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port))
	u := url.URL{Scheme: "ws", Host: addr, Path: path}

	return HubEntry{Name: name, URL: u.String(), Addr: addr}, true
}

// activeInterfaces lists interfaces worth querying: up, multicast
// capable, not loopback, and holding an IPv4 address.
func activeInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				active = append(active, iface)
				break
			}
		}
	}

	return active
}

func hostPortIsAlive(address string) bool {
	conn, err := net.DialTimeout("tcp", address, aliveProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()

	return true
}
