// Package config loads the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"mnister/dataset"
	"mnister/ml"
)

type Config struct {
	Model struct {
		Path     string        `yaml:"path"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
		Watch    bool          `yaml:"watch"`
	} `yaml:"model"`
	Data struct {
		CacheDir          string        `yaml:"cache_dir"`
		BaseURL           string        `yaml:"base_url"`
		Seed              int64         `yaml:"seed"`
		HyperoptFraction  float64       `yaml:"hyperopt_fraction"`
		FulltrainFraction float64       `yaml:"fulltrain_fraction"`
		Timeout           time.Duration `yaml:"timeout"`
		SkipVerify        bool          `yaml:"skip_verify"`
	} `yaml:"data"`
	Search struct {
		Folds   int       `yaml:"folds"`
		Workers int       `yaml:"workers"`
		CValues []float64 `yaml:"c_values"`
		Degrees []int     `yaml:"degrees"`
	} `yaml:"search"`
	SVM struct {
		Tolerance float64 `yaml:"tolerance"`
		CacheRows int     `yaml:"cache_rows"`
		MaxIter   int     `yaml:"max_iter"`
		Strict    bool    `yaml:"strict"`
		Workers   int     `yaml:"workers"`
	} `yaml:"svm"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Log Log `yaml:"log"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	var c Config
	c.Model.Path = "models/model.bin"
	c.Model.CacheTTL = 600 * time.Second

	c.Data.CacheDir = dataset.DefaultCacheDir
	c.Data.BaseURL = dataset.DefaultBaseURL
	c.Data.HyperoptFraction = 0.05
	c.Data.FulltrainFraction = 0.2
	c.Data.Timeout = 5 * time.Minute

	grid := ml.DefaultGrid()
	c.Search.Folds = 3
	c.Search.Workers = 4
	c.Search.CValues = grid.C
	c.Search.Degrees = grid.Degree

	p := ml.DefaultParams()
	c.SVM.Tolerance = p.Tolerance
	c.SVM.CacheRows = p.CacheRows
	c.SVM.Workers = p.Workers

	c.Database.Path = "data/training.db"

	c.Log.Level = "info"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 3
	c.Log.MaxAgeDays = 28
	c.Log.Compress = true
	return &c
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Model.Path == "":
		return fmt.Errorf("model.path is required")
	case c.Model.CacheTTL <= 0:
		return fmt.Errorf("model.cache_ttl must be positive")
	case c.Data.HyperoptFraction <= 0 || c.Data.FulltrainFraction <= 0:
		return fmt.Errorf("data fractions must be positive")
	case c.Data.HyperoptFraction+c.Data.FulltrainFraction > 1:
		return fmt.Errorf("data.hyperopt_fraction + data.fulltrain_fraction must not exceed 1")
	case c.Search.Folds < 2:
		return fmt.Errorf("search.folds must be at least 2")
	case len(c.Search.CValues) == 0 || len(c.Search.Degrees) == 0:
		return fmt.Errorf("search grid is empty")
	}
	for _, v := range c.Search.CValues {
		if v <= 0 {
			return fmt.Errorf("search.c_values must be positive, got %g", v)
		}
	}
	for _, d := range c.Search.Degrees {
		if d < 1 {
			return fmt.Errorf("search.degrees must be >= 1, got %d", d)
		}
	}
	return nil
}

func (c *Config) Grid() ml.Grid {
	return ml.Grid{C: c.Search.CValues, Degree: c.Search.Degrees}
}

// Params are the SVM settings shared by search and final training.
func (c *Config) Params() ml.Params {
	p := ml.DefaultParams()
	p.Tolerance = c.SVM.Tolerance
	p.CacheRows = c.SVM.CacheRows
	p.MaxIter = c.SVM.MaxIter
	p.Strict = c.SVM.Strict
	p.Workers = c.SVM.Workers
	return p
}
