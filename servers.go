package dalli

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

const defaultPort = "11211"

// ServerDescriptor names one cache server and its placement weight in the
// ring, plus any credentials needed to authenticate to it.
type ServerDescriptor struct {
	// Addr is either "host:port" (TCP) or an absolute path starting with
	// "/" (a local stream socket).
	Addr string

	// Weight controls how many ring points this server receives,
	// proportionally to other servers. Must be positive; defaults to 1.
	Weight int

	Username string
	Password string
}

// Network reports the net.Dial network to use for this descriptor: "unix"
// for an absolute path, "tcp" otherwise.
func (s ServerDescriptor) Network() string {
	if strings.HasPrefix(s.Addr, "/") {
		return "unix"
	}
	return "tcp"
}

func (s ServerDescriptor) String() string {
	return s.Addr
}

// Servers provides the list of server descriptors the ring is built from.
// Implementations must be safe for concurrent use.
type Servers interface {
	// List returns the current descriptors. The returned slice must not
	// be modified by the caller.
	List() []ServerDescriptor
}

// StaticServers is a fixed, never-changing Servers list.
type StaticServers struct {
	servers []ServerDescriptor
}

// NewStaticServers wraps a pre-parsed descriptor list as a Servers.
func NewStaticServers(servers ...ServerDescriptor) *StaticServers {
	return &StaticServers{servers: servers}
}

func (s *StaticServers) List() []ServerDescriptor { return s.servers }

// ParseServers parses the server-list syntax from the client config: a
// comma-separated string, or a pre-split slice of entries. Each entry is
// one of:
//
//	host:port[:weight]
//	/absolute/socket/path
//	memcached://[user:pass@]host:port[?weight=N]
//
// If spec yields no entries (empty string, empty slice, or nil), the
// MEMCACHE_SERVERS environment variable supplies the default list; if that
// is unset too, the single server "127.0.0.1:11211" is used.
func ParseServers(spec any) ([]ServerDescriptor, error) {
	var entries []string

	switch v := spec.(type) {
	case string:
		if v != "" {
			entries = splitNonEmpty(v, ",")
		}
	case []string:
		entries = v
	case nil:
		// fall through to env/default below
	default:
		return nil, fmt.Errorf("dalli: unsupported server list type %T", spec)
	}

	if len(entries) == 0 {
		if env := os.Getenv("MEMCACHE_SERVERS"); env != "" {
			entries = splitNonEmpty(env, ",")
		}
	}
	if len(entries) == 0 {
		entries = []string{"127.0.0.1:" + defaultPort}
	}

	descriptors := make([]ServerDescriptor, 0, len(entries))
	for _, entry := range entries {
		d, err := parseServerEntry(strings.TrimSpace(entry))
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

func splitNonEmpty(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseServerEntry(entry string) (ServerDescriptor, error) {
	if entry == "" {
		return ServerDescriptor{}, fmt.Errorf("dalli: empty server entry")
	}

	if strings.HasPrefix(entry, "memcached://") {
		return parseServerURL(entry)
	}

	if strings.HasPrefix(entry, "/") {
		return ServerDescriptor{Addr: entry, Weight: 1}, nil
	}

	parts := strings.Split(entry, ":")
	switch len(parts) {
	case 1:
		return ServerDescriptor{Addr: parts[0] + ":" + defaultPort, Weight: 1}, nil
	case 2:
		return ServerDescriptor{Addr: parts[0] + ":" + parts[1], Weight: 1}, nil
	case 3:
		weight, err := strconv.Atoi(parts[2])
		if err != nil || weight <= 0 {
			return ServerDescriptor{}, fmt.Errorf("dalli: invalid weight in server entry %q", entry)
		}
		return ServerDescriptor{Addr: parts[0] + ":" + parts[1], Weight: weight}, nil
	default:
		return ServerDescriptor{}, fmt.Errorf("dalli: malformed server entry %q", entry)
	}
}

func parseServerURL(entry string) (ServerDescriptor, error) {
	u, err := url.Parse(entry)
	if err != nil {
		return ServerDescriptor{}, fmt.Errorf("dalli: malformed server url %q: %w", entry, err)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	weight := 1
	if w := u.Query().Get("weight"); w != "" {
		weight, err = strconv.Atoi(w)
		if err != nil || weight <= 0 {
			return ServerDescriptor{}, fmt.Errorf("dalli: invalid weight in server url %q", entry)
		}
	}

	d := ServerDescriptor{Addr: host + ":" + port, Weight: weight}
	if u.User != nil {
		d.Username = u.User.Username()
		d.Password, _ = u.User.Password()
	}
	return d, nil
}
