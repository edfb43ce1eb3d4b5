package cfg

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ProviderKind selects how members are discovered
type ProviderKind string

const (
	ProviderStatic     ProviderKind = "static"     // Fixed member list
	ProviderMulticast  ProviderKind = "multicast"  // UDP multicast heartbeats
	ProviderKubernetes ProviderKind = "kubernetes" // Pod list polled from the API server
)

// StaticMemberConfiguration declares one member known up front
type StaticMemberConfiguration struct {
	UniqueID string `toml:"unique_id"` // UUID or hex string
	Host     string `toml:"host"`
	Port     int    `toml:"port"` // 0 = transport default
	Payload  string `toml:"payload"`
}

// MulticastConfiguration controls heartbeat discovery
type MulticastConfiguration struct {
	Address           string `toml:"address"`
	Port              int    `toml:"port"`
	Interface         string `toml:"interface"` // empty = system default
	TTL               int    `toml:"ttl"`
	Loopback          bool   `toml:"loopback"`
	FrequencyMS       int    `toml:"frequency_ms"`        // Heartbeat interval
	DropTimeMS        int    `toml:"drop_time_ms"`        // Silence before a member is removed
	RecoveryCounter   int    `toml:"recovery_counter"`    // Consecutive failures before the socket is reopened
	RecoverySleepMS   int    `toml:"recovery_sleep_ms"`   // Upper bound for error backoff
	StopGracePeriodMS int    `toml:"stop_grace_period_ms"` // How long Stop waits for the loops
}

// KubernetesConfiguration controls pod-list discovery
type KubernetesConfiguration struct {
	Kubeconfig       string `toml:"kubeconfig"` // empty = in-cluster config
	Namespace        string `toml:"namespace"`
	LabelSelector    string `toml:"label_selector"`
	PodName          string `toml:"pod_name"` // Local pod, skipped in results
	PodIP            string `toml:"pod_ip"`
	Port             int    `toml:"port"` // 0 = transport default
	Scheme           string `toml:"scheme"`
	PollIntervalMS   int    `toml:"poll_interval_ms"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
}

// MembershipConfiguration controls member discovery
type MembershipConfiguration struct {
	Provider        ProviderKind                `toml:"provider"`
	StaticMembers   []StaticMemberConfiguration `toml:"static_members"`
	ExpireTimeoutMS int                         `toml:"expire_timeout_ms"` // Dynamic members seen through traffic
	Multicast       MulticastConfiguration      `toml:"multicast"`
	Kubernetes      KubernetesConfiguration     `toml:"kubernetes"`
}

// TransportConfiguration controls the point-to-point stream transport
type TransportConfiguration struct {
	BindAddress    string `toml:"bind_address"`
	AdvertiseHost  string `toml:"advertise_host"` // Host announced to peers (defaults to hostname)
	Port           int    `toml:"port"`
	DialTimeoutMS  int    `toml:"dial_timeout_ms"`
	WriteTimeoutMS int    `toml:"write_timeout_ms"`
	SendTimeoutMS  int    `toml:"send_timeout_ms"` // Per destination, covers dial + write
	MaxFrameMB     int    `toml:"max_frame_mb"`
}

// ChannelConfiguration controls the channel and its interceptors
type ChannelConfiguration struct {
	MonitorOnly          bool `toml:"monitor_only"` // Receive facets only, never announce
	DispatchWorkers      int  `toml:"dispatch_workers"`
	DispatchQueueSize    int  `toml:"dispatch_queue_size"`
	CompressionThreshold int  `toml:"compression_threshold"` // Bytes; 0 disables compression
	CompressionLevel     int  `toml:"compression_level"`     // 1 (fastest) .. 4 (best)
	DedupCapacity        int  `toml:"dedup_capacity"`        // 0 disables duplicate suppression
	LogMessages          bool `toml:"log_messages"`
	TrackCoordinator     bool `toml:"track_coordinator"` // Keep the ordered group view and its coordinator

	// EncryptionKey is a hex AES key of 16, 24 or 32 bytes shared by every
	// member. Empty sends payloads in the clear.
	EncryptionKey string `toml:"encryption_key"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP admin endpoints
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Empty = no authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	UniqueID string `toml:"unique_id"` // Empty = derived from the machine id
	Payload  string `toml:"payload"`
	Domain   string `toml:"domain"`

	Transport  TransportConfiguration  `toml:"transport"`
	Membership MembershipConfiguration `toml:"membership"`
	Channel    ChannelConfiguration    `toml:"channel"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	UniqueIDFlag   = flag.String("unique-id", "", "Member unique id (overrides config, empty=auto)")
	PortFlag       = flag.Int("port", 0, "Transport port (overrides config)")
	ProviderFlag   = flag.String("provider", "", "Membership provider: static, multicast, kubernetes (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Config holds the active configuration, initialized with defaults.
var Config = Default()

// Default returns a fresh configuration populated with default values.
func Default() *Configuration {
	return &Configuration{
		Transport: TransportConfiguration{
			BindAddress:    "0.0.0.0",
			Port:           4000,
			DialTimeoutMS:  2000,
			WriteTimeoutMS: 2000,
			SendTimeoutMS:  5000,
			MaxFrameMB:     64,
		},

		Membership: MembershipConfiguration{
			Provider:        ProviderMulticast,
			StaticMembers:   []StaticMemberConfiguration{},
			ExpireTimeoutMS: 5000,
			Multicast: MulticastConfiguration{
				Address:           "228.0.0.4",
				Port:              45564,
				TTL:               1,
				Loopback:          true,
				FrequencyMS:       500,
				DropTimeMS:        3000,
				RecoveryCounter:   10,
				RecoverySleepMS:   5000,
				StopGracePeriodMS: 2000,
			},
			Kubernetes: KubernetesConfiguration{
				Scheme:           "tcp",
				PollIntervalMS:   5000,
				RequestTimeoutMS: 3000,
			},
		},

		Channel: ChannelConfiguration{
			DispatchWorkers:      4,
			DispatchQueueSize:    1024,
			CompressionThreshold: 4096,
			CompressionLevel:     2,
			DedupCapacity:        4096,
			TrackCoordinator:     true,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
	}
}

func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *UniqueIDFlag != "" {
		Config.UniqueID = *UniqueIDFlag
	}
	if *PortFlag != 0 {
		Config.Transport.Port = *PortFlag
	}
	if *ProviderFlag != "" {
		Config.Membership.Provider = ProviderKind(*ProviderFlag)
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	applyKubernetesEnv(&Config.Membership.Kubernetes)

	if Config.UniqueID == "" {
		Config.UniqueID = generateUniqueID(Config.Transport.Port).String()
		log.Info().Str("unique_id", Config.UniqueID).Msg("Auto-generated member unique id")
	}

	return nil
}

// applyKubernetesEnv fills unset pod discovery fields from the downward API
// environment the pod is started with.
func applyKubernetesEnv(k *KubernetesConfiguration) {
	if k.Namespace == "" {
		k.Namespace = os.Getenv("KUBERNETES_NAMESPACE")
	}
	if k.Namespace == "" {
		if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
			k.Namespace = strings.TrimSpace(string(data))
		}
	}
	if k.LabelSelector == "" {
		k.LabelSelector = os.Getenv("KUBERNETES_LABELS")
	}
	if k.PodName == "" {
		k.PodName = os.Getenv("HOSTNAME")
	}
	if k.PodIP == "" {
		k.PodIP = os.Getenv("POD_IP")
	}
}

// generateUniqueID derives a stable id from the machine id and the port, so
// restarting a member keeps its identity while two members on one machine
// stay distinct. Falls back to a random id when no machine id is available.
func generateUniqueID(port int) uuid.UUID {
	id, err := machineid.ProtectedID("huddle")
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read machine id, using random member id")
		return uuid.New()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id+":"+strconv.Itoa(port)))
}

// ParseEncryptionKey decodes a hex AES key. An empty string yields a nil
// key.
func ParseEncryptionKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid channel encryption key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("channel encryption key must be 16, 24 or 32 bytes, got %d", len(key))
	}
}

// ParseUniqueID accepts a UUID string or plain hex and returns the raw
// identity bytes.
func ParseUniqueID(s string) ([]byte, error) {
	if u, err := uuid.Parse(s); err == nil {
		return u[:], nil
	}
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" || len(s)%2 != 0 {
		return nil, fmt.Errorf("invalid unique id %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid unique id %q: %w", s, err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func Validate() error {
	return ValidateConfiguration(Config)
}

// ValidateConfiguration checks c and fills derived defaults such as the
// advertised host.
func ValidateConfiguration(c *Configuration) error {
	if c.Transport.Port < 1 || c.Transport.Port > 65535 {
		return fmt.Errorf("invalid transport port: %d", c.Transport.Port)
	}

	if c.Transport.AdvertiseHost == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get hostname, using localhost")
			hostname = "localhost"
		}
		c.Transport.AdvertiseHost = hostname
		log.Info().
			Str("advertise_host", c.Transport.AdvertiseHost).
			Msg("Auto-configured advertise host")
	}

	if c.Transport.DialTimeoutMS < 1 || c.Transport.WriteTimeoutMS < 1 || c.Transport.SendTimeoutMS < 1 {
		return fmt.Errorf("transport timeouts must be >= 1ms")
	}

	if c.Transport.MaxFrameMB < 1 {
		return fmt.Errorf("transport max frame size must be >= 1MB")
	}

	if c.UniqueID != "" {
		if _, err := ParseUniqueID(c.UniqueID); err != nil {
			return err
		}
	}

	m := c.Membership
	switch m.Provider {
	case ProviderStatic, ProviderMulticast, ProviderKubernetes:
	default:
		return fmt.Errorf("invalid membership provider: %q", m.Provider)
	}

	for i, sm := range m.StaticMembers {
		if _, err := ParseUniqueID(sm.UniqueID); err != nil {
			return fmt.Errorf("static member %d: %w", i, err)
		}
		if sm.Host == "" {
			return fmt.Errorf("static member %d: host is required", i)
		}
		if sm.Port < 0 || sm.Port > 65535 {
			return fmt.Errorf("static member %d: invalid port %d", i, sm.Port)
		}
	}

	if m.ExpireTimeoutMS < 1 {
		return fmt.Errorf("membership expire timeout must be >= 1ms")
	}

	if m.Provider == ProviderMulticast {
		mc := m.Multicast
		if mc.Address == "" {
			return fmt.Errorf("multicast address is required")
		}
		if mc.Port < 1 || mc.Port > 65535 {
			return fmt.Errorf("invalid multicast port: %d", mc.Port)
		}
		if mc.FrequencyMS < 1 {
			return fmt.Errorf("multicast frequency must be >= 1ms")
		}
		if mc.DropTimeMS < 3*mc.FrequencyMS {
			return fmt.Errorf("multicast drop time %dms must be at least 3x the frequency %dms", mc.DropTimeMS, mc.FrequencyMS)
		}
		if mc.RecoveryCounter < 1 {
			return fmt.Errorf("multicast recovery counter must be >= 1")
		}
	}

	if m.Provider == ProviderKubernetes {
		k := m.Kubernetes
		if k.Namespace == "" {
			return fmt.Errorf("kubernetes namespace is required")
		}
		if k.PollIntervalMS < 1 || k.RequestTimeoutMS < 1 {
			return fmt.Errorf("kubernetes poll interval and request timeout must be >= 1ms")
		}
		if k.Port < 0 || k.Port > 65535 {
			return fmt.Errorf("invalid kubernetes member port: %d", k.Port)
		}
	}

	if c.Channel.DispatchWorkers < 1 {
		return fmt.Errorf("channel dispatch workers must be >= 1")
	}
	if c.Channel.DispatchQueueSize < 1 {
		return fmt.Errorf("channel dispatch queue size must be >= 1")
	}
	if c.Channel.CompressionThreshold < 0 {
		return fmt.Errorf("channel compression threshold must be >= 0")
	}
	if c.Channel.CompressionLevel < 1 || c.Channel.CompressionLevel > 4 {
		return fmt.Errorf("channel compression level must be in 1..4")
	}
	if c.Channel.DedupCapacity < 0 {
		return fmt.Errorf("channel dedup capacity must be >= 0")
	}
	if _, err := ParseEncryptionKey(c.Channel.EncryptionKey); err != nil {
		return err
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	return nil
}
