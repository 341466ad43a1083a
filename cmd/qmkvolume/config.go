package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the qmkvolume daemon.
//
// Precedence, lowest first: DefaultConfig, config file, QMKVOLUME_* environment,
// command-line flags. Validate runs last so the rest of the code can assume a
// well-formed config.
type Config struct {
	// Keyboards to drive
	Display DisplayConfig `yaml:"display" envPrefix:"DISPLAY_"`

	// Audio event source
	PipeWire PipeWireConfig `yaml:"pipewire" envPrefix:"PIPEWIRE_"`

	// State websocket for UIs
	StateWS StateWSConfig `yaml:"state_ws" envPrefix:"STATE_WS_"`

	// Control socket (qmkvolume ctl)
	IPC IPCConfig `yaml:"ipc" envPrefix:"IPC_"`

	// Logging
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
}

type DisplayConfig struct {
	Filter    string `yaml:"filter" env:"FILTER"` // none | vendor | product
	VendorID  HexID  `yaml:"vendor_id" env:"VENDOR_ID"`
	ProductID HexID  `yaml:"product_id" env:"PRODUCT_ID"`
	PacingMS  int    `yaml:"pacing_ms" env:"PACING_MS"`
}

type PipeWireConfig struct {
	Command string `yaml:"command" env:"COMMAND"` // pw-dump executable
	Remote  string `yaml:"remote,omitempty" env:"REMOTE"`
}

type StateWSConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Listen  string `yaml:"listen" env:"LISTEN"`
	Path    string `yaml:"path" env:"PATH"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path" env:"SOCKET"` // empty disables the control socket
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// HexID is a USB vendor or product id. It accepts decimal or 0x-prefixed hex.
type HexID uint16

func (h *HexID) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return fmt.Errorf("invalid usb id %q: %w", s, err)
	}
	*h = HexID(v)
	return nil
}

func (h HexID) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h HexID) String() string { return fmt.Sprintf("0x%04x", uint16(h)) }

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Display: DisplayConfig{
			Filter:    string(FilterProduct),
			VendorID:  keychronVendorID,
			ProductID: keychronV3MaxProductID,
			PacingMS:  defaultPacingMS,
		},
		PipeWire: PipeWireConfig{
			Command: defaultPWDumpCommand,
		},
		StateWS: StateWSConfig{
			Enabled: false,
			Listen:  defaultStateWSListen,
			Path:    defaultStateWSPath,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocket,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// ApplyEnv overlays QMKVOLUME_* environment variables onto cfg.
// Variables that are not set leave the field untouched.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: "QMKVOLUME_"}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// FlagOverrides holds flag values that were explicitly set on the command line.
// A nil pointer means "not set"; a non-nil pointer is applied even if it holds a zero value.
type FlagOverrides struct {
	Filter    *string
	VendorID  *HexID
	ProductID *HexID
	PacingMS  *int

	PWDump   *string
	PWRemote *string

	StateWS       *bool
	StateWSListen *string

	IPCSocketPath *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.Filter != nil {
		cfg.Display.Filter = *o.Filter
	}
	if o.VendorID != nil {
		cfg.Display.VendorID = *o.VendorID
	}
	if o.ProductID != nil {
		cfg.Display.ProductID = *o.ProductID
	}
	if o.PacingMS != nil {
		cfg.Display.PacingMS = *o.PacingMS
	}

	if o.PWDump != nil {
		cfg.PipeWire.Command = *o.PWDump
	}
	if o.PWRemote != nil {
		cfg.PipeWire.Remote = *o.PWRemote
	}

	if o.StateWS != nil {
		cfg.StateWS.Enabled = *o.StateWS
	}
	if o.StateWSListen != nil {
		cfg.StateWS.Listen = *o.StateWSListen
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + env + overrides are applied.
func (c *Config) Validate() error {
	// Display
	kind, err := parseFilterKind(c.Display.Filter)
	if err != nil {
		return fmt.Errorf("display.filter: %w", err)
	}
	if (kind == FilterVendor || kind == FilterProduct) && c.Display.VendorID == 0 {
		return fmt.Errorf("display.vendor_id is required for filter %q", kind)
	}
	if kind == FilterProduct && c.Display.ProductID == 0 {
		return errors.New("display.product_id is required for filter \"product\"")
	}
	if c.Display.PacingMS < 0 {
		return errors.New("display.pacing_ms must be >= 0")
	}

	// PipeWire
	if c.PipeWire.Command == "" {
		return errors.New("pipewire.command must not be empty")
	}

	// State websocket
	if c.StateWS.Enabled {
		if c.StateWS.Listen == "" {
			return errors.New("state_ws.enabled is true but state_ws.listen is empty")
		}
		if !strings.HasPrefix(c.StateWS.Path, "/") {
			return errors.New("state_ws.path must start with /")
		}
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// DeviceFilter converts the display section into a DeviceFilter.
// Call after Validate.
func (c *Config) DeviceFilter() DeviceFilter {
	kind, _ := parseFilterKind(c.Display.Filter)
	return DeviceFilter{
		Kind:      kind,
		VendorID:  uint16(c.Display.VendorID),
		ProductID: uint16(c.Display.ProductID),
	}
}

// Pacing returns the inter-device delay.
func (c *Config) Pacing() time.Duration {
	return time.Duration(c.Display.PacingMS) * time.Millisecond
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
