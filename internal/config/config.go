// Package config loads the TOML run configuration: daemon surface,
// instrument fleet, logbook, archive and sequence settings.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/cryorun/internal/logger"
	"github.com/loykin/cryorun/internal/sequence"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Daemon      DaemonConfig       `toml:"daemon" mapstructure:"daemon"`
	Log         *logger.Config     `toml:"log" mapstructure:"log"`
	Bus         BusConfig          `toml:"bus" mapstructure:"bus"`
	Instruments []InstrumentConfig `toml:"instruments" mapstructure:"instruments"`
	Logbook     LogbookConfig      `toml:"logbook" mapstructure:"logbook"`
	Archive     ArchiveConfig      `toml:"archive" mapstructure:"archive"`
	Sequence    SequenceConfig     `toml:"sequence" mapstructure:"sequence"`
}

type DaemonConfig struct {
	PIDFile       string `toml:"pidfile" mapstructure:"pidfile"`
	Listen        string `toml:"listen" mapstructure:"listen"`
	MetricsListen string `toml:"metrics_listen" mapstructure:"metrics_listen"`
}

type BusConfig struct {
	// Backend is "inproc" (default) or "nats".
	Backend string `toml:"backend" mapstructure:"backend"`
	URL     string `toml:"url" mapstructure:"url"`
}

// InstrumentConfig describes one worker and its transport.
type InstrumentConfig struct {
	Name   string `toml:"name" mapstructure:"name"`
	Family string `toml:"family" mapstructure:"family"`

	// Transport is "tcp" or "serial".
	Transport  string `toml:"transport" mapstructure:"transport"`
	Address    string `toml:"address" mapstructure:"address"`
	Device     string `toml:"device" mapstructure:"device"`
	Baud       int    `toml:"baud" mapstructure:"baud"`
	Terminator string `toml:"terminator" mapstructure:"terminator"`
	TimeoutMS  int    `toml:"timeout_ms" mapstructure:"timeout_ms"`
	// ExchangeDelayMS throttles back-to-back exchanges on slow devices.
	ExchangeDelayMS int `toml:"exchange_delay_ms" mapstructure:"exchange_delay_ms"`
	// BusGroup names a shared physical bus; workers in one group share
	// the transport lock.
	BusGroup string `toml:"bus_group" mapstructure:"bus_group"`

	// IntervalMS 0 keeps the family default; -1 makes an event worker.
	IntervalMS int `toml:"interval_ms" mapstructure:"interval_ms"`

	// Family-specific knobs.
	ISOBusAddr    int     `toml:"isobus_addr" mapstructure:"isobus_addr"`
	SoftwareSweep bool    `toml:"software_sweep" mapstructure:"software_sweep"`
	SourceWorker  string  `toml:"source_worker" mapstructure:"source_worker"`
	ShuntOhm      float64 `toml:"shunt_ohm" mapstructure:"shunt_ohm"`
}

type LogbookConfig struct {
	Prefix          string `toml:"prefix" mapstructure:"prefix"`
	PeriodS         int    `toml:"period_s" mapstructure:"period_s"`
	MeasurementFile string `toml:"measurement_file" mapstructure:"measurement_file"`
}

type ArchiveConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type SequenceConfig struct {
	TempWorker  string `toml:"temp_worker" mapstructure:"temp_worker"`
	TempField   string `toml:"temp_field" mapstructure:"temp_field"`
	FieldWorker string `toml:"field_worker" mapstructure:"field_worker"`
	FieldField  string `toml:"field_field" mapstructure:"field_field"`

	SourceWorkers []string  `toml:"source_workers" mapstructure:"source_workers"`
	VoltWorkers   []string  `toml:"volt_workers" mapstructure:"volt_workers"`
	Scales        []float64 `toml:"scales" mapstructure:"scales"`

	ThresholdTK        float64 `toml:"threshold_t_k" mapstructure:"threshold_t_k"`
	ThresholdTmeanK    float64 `toml:"threshold_tmean_k" mapstructure:"threshold_tmean_k"`
	ThresholdStderrRel float64 `toml:"threshold_stderr_rel" mapstructure:"threshold_stderr_rel"`
	ThresholdSlopeKpm  float64 `toml:"threshold_slope_kpm" mapstructure:"threshold_slope_kpm"`
	ThresholdResiduals float64 `toml:"threshold_residuals" mapstructure:"threshold_residuals"`
	Consecutive        int     `toml:"consecutive" mapstructure:"consecutive"`

	PollMS     int `toml:"poll_ms" mapstructure:"poll_ms"`
	MaxSettleS int `toml:"max_settle_s" mapstructure:"max_settle_s"`
}

// Thresholds converts the flat TOML fields into runtime thresholds.
func (s SequenceConfig) Thresholds() sequence.Thresholds {
	return sequence.Thresholds{
		TK:             s.ThresholdTK,
		TmeanK:         s.ThresholdTmeanK,
		StderrRel:      s.ThresholdStderrRel,
		SlopeKpm:       s.ThresholdSlopeKpm,
		SlopeResiduals: s.ThresholdResiduals,
		Consecutive:    s.Consecutive,
	}
}

func (s SequenceConfig) PollInterval() time.Duration {
	return time.Duration(s.PollMS) * time.Millisecond
}

func (s SequenceConfig) MaxSettle() time.Duration {
	return time.Duration(s.MaxSettleS) * time.Second
}

// Families a worker can be configured with.
var knownFamilies = map[string]bool{
	"itc503": true,
	"ilm211": true,
	"ips120": true,
	"k2182":  true,
	"k6221":  true,
	"sr830":  true,
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	fc.applyDefaults()
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.Daemon.Listen == "" {
		fc.Daemon.Listen = "127.0.0.1:8873"
	}
	if fc.Bus.Backend == "" {
		fc.Bus.Backend = "inproc"
	}
	if fc.Logbook.Prefix == "" {
		fc.Logbook.Prefix = "cryorun"
	}
	if fc.Logbook.PeriodS <= 0 {
		fc.Logbook.PeriodS = 5
	}
}

// Validate rejects configurations that cannot start.
func (fc *FileConfig) Validate() error {
	switch fc.Bus.Backend {
	case "inproc":
	case "nats":
		if fc.Bus.URL == "" {
			return fmt.Errorf("bus: nats backend needs a url")
		}
	default:
		return fmt.Errorf("bus: unknown backend %q", fc.Bus.Backend)
	}

	seen := make(map[string]bool)
	for i, ins := range fc.Instruments {
		if ins.Name == "" {
			return fmt.Errorf("instruments[%d]: missing name", i)
		}
		if seen[ins.Name] {
			return fmt.Errorf("instruments[%d]: duplicate name %q", i, ins.Name)
		}
		seen[ins.Name] = true
		if !knownFamilies[ins.Family] {
			return fmt.Errorf("instrument %q: unknown family %q", ins.Name, ins.Family)
		}
		switch ins.Transport {
		case "tcp":
			if ins.Address == "" {
				return fmt.Errorf("instrument %q: tcp transport needs an address", ins.Name)
			}
		case "serial":
			if ins.Device == "" {
				return fmt.Errorf("instrument %q: serial transport needs a device", ins.Name)
			}
		default:
			return fmt.Errorf("instrument %q: unknown transport %q", ins.Name, ins.Transport)
		}
		if ins.Family == "k2182" && ins.SourceWorker != "" && !willExist(fc.Instruments, ins.SourceWorker) {
			return fmt.Errorf("instrument %q: source_worker %q is not configured", ins.Name, ins.SourceWorker)
		}
	}

	if len(fc.Sequence.SourceWorkers) != len(fc.Sequence.VoltWorkers) {
		return fmt.Errorf("sequence: %d source_workers but %d volt_workers",
			len(fc.Sequence.SourceWorkers), len(fc.Sequence.VoltWorkers))
	}
	if n := len(fc.Sequence.Scales); n != 0 && n != len(fc.Sequence.SourceWorkers) {
		return fmt.Errorf("sequence: %d scales for %d source_workers", n, len(fc.Sequence.SourceWorkers))
	}
	return nil
}

func willExist(instruments []InstrumentConfig, name string) bool {
	for _, ins := range instruments {
		if ins.Name == name {
			return true
		}
	}
	return false
}

// Interval resolves the polling cadence of one instrument.
func (ins InstrumentConfig) Interval() time.Duration {
	if ins.IntervalMS < 0 {
		return 0
	}
	if ins.IntervalMS > 0 {
		return time.Duration(ins.IntervalMS) * time.Millisecond
	}
	if ins.Family == "sr830" {
		return 50 * time.Millisecond
	}
	return 500 * time.Millisecond
}
