// Package config loads the YAML document describing a modmqttd deployment
// (broker, networks, slaves, bus objects) and turns it into the typed
// values internal/register, internal/compiler and internal/mqttbus
// consume. Parsing itself stays an external collaborator per spec.md §1;
// this package performs no register-transfer logic.
//
// Grounded on the config shape declared in spec.md §6 ("Configuration
// shape") and, for the viper+YAML loading pattern itself, on the way the
// broader example pack's gateway services (e.g. EdgxCloud-EdgeFlow) layer
// typed config structs over a generic key/value loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/modmqttd/modmqttd/internal/register"
)

// BrokerConfig describes the MQTT broker connection.
type BrokerConfig struct {
	Host      string        `yaml:"host" mapstructure:"host"`
	Port      int           `yaml:"port" mapstructure:"port"`
	ClientID  string        `yaml:"client_id" mapstructure:"client_id"`
	Username  string        `yaml:"username" mapstructure:"username"`
	Password  string        `yaml:"password" mapstructure:"password"`
	Keepalive time.Duration `yaml:"keepalive" mapstructure:"keepalive"`
}

// SlaveConfig is one network's per-slave override.
type SlaveConfig struct {
	Address            register.Address `yaml:"address" mapstructure:"address"`
	DelayBeforeCommand time.Duration     `yaml:"delay_before_command" mapstructure:"delay_before_command"`
}

// NetworkConfig is the YAML shape for one fieldbus; it mirrors
// register.NetworkConfig field for field but carries yaml/mapstructure
// tags and human-friendly duration/parity encodings.
type NetworkConfig struct {
	Name string `yaml:"name" mapstructure:"name"`

	Device        string `yaml:"device" mapstructure:"device"`
	Baud          int    `yaml:"baud" mapstructure:"baud"`
	Parity        string `yaml:"parity" mapstructure:"parity"`
	DataBit       int    `yaml:"data_bit" mapstructure:"data_bit"`
	StopBit       int    `yaml:"stop_bit" mapstructure:"stop_bit"`
	RTUSerialMode string `yaml:"rtu_serial_mode" mapstructure:"rtu_serial_mode"`
	RTURTSMode    string `yaml:"rtu_rts_mode" mapstructure:"rtu_rts_mode"`
	RTURTSDelayUs int    `yaml:"rtu_rts_delay_us" mapstructure:"rtu_rts_delay_us"`

	Address string `yaml:"address" mapstructure:"address"`
	Port    int    `yaml:"port" mapstructure:"port"`

	ResponseTimeout         time.Duration `yaml:"response_timeout" mapstructure:"response_timeout"`
	ResponseDataTimeout     time.Duration `yaml:"response_data_timeout" mapstructure:"response_data_timeout"`
	MinDelayBeforePoll      time.Duration `yaml:"min_delay_before_poll" mapstructure:"min_delay_before_poll"`
	DelayBeforeCommand      time.Duration `yaml:"delay_before_command" mapstructure:"delay_before_command"`
	DelayBeforeFirstCommand time.Duration `yaml:"delay_before_first_command" mapstructure:"delay_before_first_command"`

	Slaves []SlaveConfig `yaml:"slaves" mapstructure:"slaves"`
}

// IsRTU reports whether this network is a serial line rather than TCP.
func (n NetworkConfig) IsRTU() bool {
	return n.Device != ""
}

// ToRegisterConfig translates the YAML shape into register.NetworkConfig.
func (n NetworkConfig) ToRegisterConfig() (register.NetworkConfig, error) {
	cfg := register.NetworkConfig{
		Name:                    n.Name,
		IsRTU:                   n.IsRTU(),
		Device:                  n.Device,
		Baud:                    n.Baud,
		DataBits:                n.DataBit,
		StopBits:                n.StopBit,
		Host:                    n.Address,
		Port:                    n.Port,
		ResponseTimeout:         n.ResponseTimeout,
		ResponseDataTimeout:     n.ResponseDataTimeout,
		MinDelayBeforePoll:      n.MinDelayBeforePoll,
		DelayBeforeCommand:      n.DelayBeforeCommand,
		DelayBeforeFirstCommand: n.DelayBeforeFirstCommand,
	}

	parity, err := parseParity(n.Parity)
	if err != nil {
		return register.NetworkConfig{}, err
	}
	cfg.Parity = parity

	mode, err := parseSerialMode(n.RTUSerialMode)
	if err != nil {
		return register.NetworkConfig{}, err
	}
	cfg.SerialMode = mode

	rts, err := parseRTSMode(n.RTURTSMode)
	if err != nil {
		return register.NetworkConfig{}, err
	}
	cfg.RTSMode = rts
	cfg.RTSDelayUs = n.RTURTSDelayUs

	return cfg, nil
}

func parseParity(s string) (register.Parity, error) {
	switch strings.ToUpper(s) {
	case "", "N", "NONE":
		return register.ParityNone, nil
	case "E", "EVEN":
		return register.ParityEven, nil
	case "O", "ODD":
		return register.ParityOdd, nil
	default:
		return 0, fmt.Errorf("config: unknown parity %q", s)
	}
}

func parseSerialMode(s string) (register.SerialMode, error) {
	switch strings.ToUpper(s) {
	case "", "RS232":
		return register.RS232, nil
	case "RS485":
		return register.RS485, nil
	default:
		return 0, fmt.Errorf("config: unknown rtu_serial_mode %q", s)
	}
}

func parseRTSMode(s string) (register.RTSMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return register.RTSNone, nil
	case "up":
		return register.RTSUp, nil
	case "down":
		return register.RTSDown, nil
	default:
		return 0, fmt.Errorf("config: unknown rtu_rts_mode %q", s)
	}
}

// RegisterBinding ties one MQTT-addressable value to a register span on a
// named network, with the converter used to encode/decode its payload.
type RegisterBinding struct {
	Name         string        `yaml:"name" mapstructure:"name"`
	Network      string        `yaml:"network" mapstructure:"network"`
	Slave        uint8         `yaml:"slave" mapstructure:"slave"`
	Register     uint16        `yaml:"register" mapstructure:"register"`
	Count        uint16        `yaml:"count" mapstructure:"count"`
	RegisterType string        `yaml:"register_type" mapstructure:"register_type"`
	Refresh      time.Duration `yaml:"refresh" mapstructure:"refresh"`
	Converter    string        `yaml:"converter" mapstructure:"converter"`
}

// ParseRegisterType maps the YAML register_type string onto register.Type.
func ParseRegisterType(s string) (register.Type, error) {
	switch strings.ToLower(s) {
	case "coil":
		return register.Coil, nil
	case "bit", "discrete_input":
		return register.Bit, nil
	case "holding":
		return register.Holding, nil
	case "input":
		return register.Input, nil
	default:
		return 0, fmt.Errorf("config: unknown register_type %q", s)
	}
}

// BusObject is a named MQTT-addressable entity (spec.md's external bus
// object layer, made concrete): a topic prefix plus one or more register
// bindings.
type BusObject struct {
	Topic    string            `yaml:"topic" mapstructure:"topic"`
	Bindings []RegisterBinding `yaml:"registers" mapstructure:"registers"`
}

// AppConfig is the top-level document.
type AppConfig struct {
	Broker      BrokerConfig    `yaml:"broker" mapstructure:"broker"`
	Networks    []NetworkConfig `yaml:"networks" mapstructure:"networks"`
	BusObjects  []BusObject     `yaml:"mqtt_objects" mapstructure:"mqtt_objects"`
	Verbosity   string          `yaml:"verbosity" mapstructure:"verbosity"`
}

// Load reads path with viper (so MODMQTTD_*-prefixed environment
// variables can override any field, e.g. broker credentials in a
// container) and unmarshals it via the yaml.v3-compatible mapstructure
// tags above.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MODMQTTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return &cfg, nil
}

// ParseYAML decodes raw YAML bytes directly, bypassing viper; used by
// tests and by any caller that already has the document in memory.
func ParseYAML(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return &cfg, nil
}
