// Package config loads the retarder configuration from the environment, with
// an optional YAML scenario file overriding the delay/fault parameters.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Distribution names accepted by SOCKET_RETARDER_DISTRIBUTION.
const (
	DistNormal  = "normal"
	DistUniform = "uniform"
)

// Defaults per the documented environment contract.
const (
	DefaultNormalMeanMs     = 1000
	DefaultNormalVarianceMs = 500
	DefaultUniformAMs       = 500
	DefaultUniformBMs       = 1500
)

// Scenario is the tunable part of the configuration: the delay distribution
// and the UDP fault probabilities. It is what the YAML scenario file carries
// and what the control API may replace at runtime.
type Scenario struct {
	ID                   string  `yaml:"id,omitempty" json:"id,omitempty"`
	Distribution         string  `yaml:"distribution" json:"distribution"`
	NormalMeanMs         int     `yaml:"normal_mean_ms" json:"normalMeanMs"`
	NormalVarianceMs     int     `yaml:"normal_variance_ms" json:"normalVarianceMs"`
	UniformAMs           int     `yaml:"uniform_a_ms" json:"uniformAMs"`
	UniformBMs           int     `yaml:"uniform_b_ms" json:"uniformBMs"`
	DropProbability      float64 `yaml:"drop_probability" json:"dropProbability"`
	DamageProbability    float64 `yaml:"damage_probability" json:"damageProbability"`
	DuplicateProbability float64 `yaml:"duplicate_probability" json:"duplicateProbability"`
}

// Config is the full process configuration.
type Config struct {
	Debug     int      `json:"debug"`
	RetardDNS bool     `json:"retardDNS"`
	Scenario  Scenario `json:"scenario"`

	// APIAddr enables the control API when non-empty, e.g. "127.0.0.1:8474".
	APIAddr string `json:"apiAddr,omitempty"`
	// ScenarioFile is the YAML file the scenario was loaded from, if any.
	ScenarioFile string `json:"scenarioFile,omitempty"`
}

// DefaultScenario returns the scenario used when no environment or file
// overrides are present: normal distribution, no UDP faults.
func DefaultScenario() Scenario {
	return Scenario{
		Distribution:     DistNormal,
		NormalMeanMs:     DefaultNormalMeanMs,
		NormalVarianceMs: DefaultNormalVarianceMs,
		UniformAMs:       DefaultUniformAMs,
		UniformBMs:       DefaultUniformBMs,
	}
}

// FromEnv builds the configuration from SOCKET_RETARDER_* environment
// variables. A .env file in the working directory is honored when present.
// The scenario file, when configured, overrides the per-field environment
// values wholesale.
func FromEnv() (*Config, error) {
	// Best effort; absence of a .env file is the normal case.
	_ = godotenv.Load()

	cfg := &Config{
		Scenario: DefaultScenario(),
		APIAddr:  os.Getenv("SOCKET_RETARDER_API"),
	}

	var err error
	if cfg.Debug, err = intEnv("SOCKET_RETARDER_DEBUG", 0); err != nil {
		return nil, err
	}
	cfg.RetardDNS = os.Getenv("SOCKET_RETARDER_DNS") == "1"

	if os.Getenv("SOCKET_RETARDER_DISTRIBUTION") == DistUniform {
		cfg.Scenario.Distribution = DistUniform
	}
	s := &cfg.Scenario
	if s.NormalMeanMs, err = intEnv("SOCKET_RETARDER_NORMALDIST_MEAN", DefaultNormalMeanMs); err != nil {
		return nil, err
	}
	if s.NormalVarianceMs, err = intEnv("SOCKET_RETARDER_NORMALDIST_VARIANCE", DefaultNormalVarianceMs); err != nil {
		return nil, err
	}
	if s.UniformAMs, err = intEnv("SOCKET_RETARDER_UNIFORMDIST_A", DefaultUniformAMs); err != nil {
		return nil, err
	}
	if s.UniformBMs, err = intEnv("SOCKET_RETARDER_UNIFORMDIST_B", DefaultUniformBMs); err != nil {
		return nil, err
	}
	if s.DropProbability, err = probEnv("SOCKET_RETARDER_UDP_DROP_PROBABILITY"); err != nil {
		return nil, err
	}
	if s.DamageProbability, err = probEnv("SOCKET_RETARDER_UDP_DAMAGE_PROBABILITY"); err != nil {
		return nil, err
	}
	if s.DuplicateProbability, err = probEnv("SOCKET_RETARDER_UDP_DUPLICATE_PROBABILITY"); err != nil {
		return nil, err
	}

	if file := os.Getenv("SOCKET_RETARDER_SCENARIO"); file != "" {
		sc, err := LoadScenario(file)
		if err != nil {
			return nil, fmt.Errorf("load scenario: %w", err)
		}
		cfg.Scenario = *sc
		cfg.ScenarioFile = file
	}

	if err := cfg.Scenario.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadScenario reads a YAML scenario file. Missing delay fields fall back to
// the defaults so a file may specify only the faults it cares about.
func LoadScenario(filePath string) (*Scenario, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	sc := DefaultScenario()
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if sc.Distribution == "" {
		sc.Distribution = DistNormal
	}
	return &sc, nil
}

// SaveScenario writes the scenario as YAML.
func SaveScenario(filePath string, sc *Scenario) error {
	data, err := yaml.Marshal(sc)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}

// Validate rejects parameter combinations the samplers cannot honor.
func (s *Scenario) Validate() error {
	if s.Distribution != DistNormal && s.Distribution != DistUniform {
		return fmt.Errorf("unknown distribution %q", s.Distribution)
	}
	if s.NormalVarianceMs < 0 {
		return fmt.Errorf("normal variance must be >= 0, got %d", s.NormalVarianceMs)
	}
	if s.UniformAMs > s.UniformBMs {
		return fmt.Errorf("uniform bounds inverted: a=%d > b=%d", s.UniformAMs, s.UniformBMs)
	}
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"drop", s.DropProbability},
		{"damage", s.DamageProbability},
		{"duplicate", s.DuplicateProbability},
	} {
		if p.v < 0 || p.v > 1 {
			return fmt.Errorf("%s probability must be in [0,1], got %g", p.name, p.v)
		}
	}
	return nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func probEnv(name string) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
