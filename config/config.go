// Package config loads the proxy worker core's configuration: a YAML
// file (spec.md §6's key list) plus the handful of CLI flags spec.md
// names, with flags overriding file values where both are given.
//
// Grounded on the teacher's own config/config.go (kept, its flag.Parse
// wiring style carried over) and extended with a YAML layer the way
// fabian4-gateway-homebrew-go and mercator-hq-jupiter load their own
// gateway/agent configs.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Proxy holds the `proxy` section of spec.md §6's configuration keys.
type Proxy struct {
	Workers int `yaml:"workers"`

	ConnmgrInSpecs              []string `yaml:"connmgr_in_specs"`
	ConnmgrInStreamSpecs        []string `yaml:"connmgr_in_stream_specs"`
	ConnmgrOutSpecs             []string `yaml:"connmgr_out_specs"`
	ConnmgrClientOutSpecs       []string `yaml:"connmgr_client_out_specs"`
	ConnmgrClientOutStreamSpecs []string `yaml:"connmgr_client_out_stream_specs"`
	ConnmgrClientInSpecs        []string `yaml:"connmgr_client_in_specs"`

	HandlerInspectSpec          string   `yaml:"handler_inspect_spec"`
	HandlerAcceptSpec           string   `yaml:"handler_accept_spec"`
	HandlerRetryInSpec          string   `yaml:"handler_retry_in_spec"`
	HandlerWSControlInitSpecs   []string `yaml:"handler_ws_control_init_specs"`
	HandlerWSControlStreamSpecs []string `yaml:"handler_ws_control_stream_specs"`

	StatsSpec   string `yaml:"stats_spec"`
	CommandSpec string `yaml:"command_spec"`

	IntreqSpecs map[string]string `yaml:"intreq"`

	IPCFileMode string `yaml:"ipc_file_mode"` // octal string, e.g. "0666"

	MaxOpenRequests int    `yaml:"max_open_requests"`
	RoutesFile      string `yaml:"routesfile"`
	Debug           bool   `yaml:"debug"`

	AutoCrossOrigin bool `yaml:"auto_cross_origin"`

	AcceptXForwardedProtocol bool     `yaml:"accept_x_forwarded_protocol"`
	SetXForwardedProtocol    string   `yaml:"set_x_forwarded_protocol"` // true|false|proto-only
	XForwardedFor            []string `yaml:"x_forwarded_for"`
	XForwardedForTrusted     []string `yaml:"x_forwarded_for_trusted"`

	OrigHeadersNeedMark bool `yaml:"orig_headers_need_mark"`
	AcceptPushpinRoute  bool `yaml:"accept_pushpin_route"`

	CDNLoop     string `yaml:"cdn_loop"`
	SigIss      string `yaml:"sig_iss"`
	SigKey      string `yaml:"sig_key"`
	UpstreamKey string `yaml:"upstream_key"`

	StatsConnectionSend    bool          `yaml:"stats_connection_send"`
	StatsConnectionTTL     time.Duration `yaml:"stats_connection_ttl"`
	StatsConnectionsMaxTTL time.Duration `yaml:"stats_connections_max_ttl"`
	StatsReportInterval    time.Duration `yaml:"stats_report_interval"`

	PrometheusPort   int    `yaml:"prometheus_port"`
	PrometheusPrefix string `yaml:"prometheus_prefix"`

	NewEventLoop bool `yaml:"new_event_loop"`
}

// Runner holds the `runner` section.
type Runner struct {
	Services      []string `yaml:"services"`
	ClientMaxConn int      `yaml:"client_maxconn"`
}

// Global holds the `global` section.
type Global struct {
	StatsConnectionSend bool `yaml:"stats_connection_send"`
}

// Config is the top-level configuration document, spec.md §6.
type Config struct {
	Proxy  Proxy  `yaml:"proxy"`
	Runner Runner `yaml:"runner"`
	Global Global `yaml:"global"`

	// TrustedNets is this implementation's own extension, not a spec.md
	// key: which peer addresses/CIDRs count as trusted for
	// x_forwarded_for_trusted purposes.
	TrustedNets []string `yaml:"trusted_nets"`
}

func setDefaults(c *Config) {
	if c.Proxy.Workers <= 0 {
		c.Proxy.Workers = 1
	}
	if c.Proxy.MaxOpenRequests <= 0 {
		c.Proxy.MaxOpenRequests = 1000
	}
	if c.Proxy.IPCFileMode == "" {
		c.Proxy.IPCFileMode = "0666"
	}
	if c.Proxy.SetXForwardedProtocol == "" {
		c.Proxy.SetXForwardedProtocol = "true"
	}
	if c.Proxy.StatsConnectionTTL <= 0 {
		c.Proxy.StatsConnectionTTL = 2 * time.Minute
	}
	if c.Proxy.StatsConnectionsMaxTTL <= 0 {
		c.Proxy.StatsConnectionsMaxTTL = 10 * time.Minute
	}
	if c.Proxy.StatsReportInterval <= 0 {
		c.Proxy.StatsReportInterval = 10 * time.Second
	}
	if c.Runner.ClientMaxConn <= 0 {
		c.Runner.ClientMaxConn = 50000
	}
}

// IPCFileModeValue parses IPCFileMode as an octal file mode.
func (c *Config) IPCFileModeValue() (os.FileMode, error) {
	v, err := strconv.ParseUint(c.Proxy.IPCFileMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("config: invalid ipc_file_mode %q: %w", c.Proxy.IPCFileMode, err)
	}
	return os.FileMode(v), nil
}

// Load reads and parses a YAML configuration file at path, applying
// defaults for any key spec.md treats as optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	setDefaults(&c)
	return &c, nil
}

// Flags is the parsed form of spec.md §6's CLI surface.
type Flags struct {
	ConfigPath string
	LogFile    string
	LogLevel   int
	Verbose    bool
	IPCPrefix  string
	Routes     []string // repeatable --route LINE, overrides the routes file
	QuietCheck bool
	Version    bool
}

type routeFlags []string

func (r *routeFlags) String() string { return fmt.Sprint([]string(*r)) }
func (r *routeFlags) Set(v string) error {
	*r = append(*r, v)
	return nil
}

// ParseFlags parses spec.md §6's CLI flags from args (excluding the
// program name). --verbose is sugar for --loglevel 3.
func ParseFlags(args []string) (*Flags, error) {
	fs := flag.NewFlagSet("pushpin", flag.ContinueOnError)
	var f Flags
	var routes routeFlags

	fs.StringVar(&f.ConfigPath, "config", "", "configuration file path")
	fs.StringVar(&f.LogFile, "logfile", "", "log file path (stderr if empty)")
	fs.IntVar(&f.LogLevel, "loglevel", 2, "log level (0=error,1=warn,2=info,3=debug)")
	fs.BoolVar(&f.Verbose, "verbose", false, "shorthand for --loglevel 3")
	fs.StringVar(&f.IPCPrefix, "ipc-prefix", "", "prefix for ipc:// endpoint paths")
	fs.Var(&routes, "route", "route line, repeatable, overrides the routes file")
	fs.BoolVar(&f.QuietCheck, "quiet-check", false, "exit after validating configuration, no banner")
	fs.BoolVar(&f.Version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.Routes = routes
	if f.Verbose {
		f.LogLevel = 3
	}
	return &f, nil
}
