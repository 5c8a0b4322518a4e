package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/anyproto/any-diag/app"
	"github.com/anyproto/any-diag/app/logger"
	"github.com/anyproto/any-diag/metric"
	"github.com/anyproto/any-diag/rtc"
)

const CName = "config"

func NewFromFile(path string) (c *Config, err error) {
	c = &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return
}

// Config aggregates the per-component sections. Every field has a working
// zero value: the app runs with no config file at all.
type Config struct {
	Log    logger.Config `yaml:"log"`
	Metric metric.Config `yaml:"metric"`
	RTC    rtc.Config    `yaml:"rtc"`
}

func (c *Config) Init(a *app.App) (err error) {
	c.Log.ApplyGlobal()
	return nil
}

func (c *Config) Name() (name string) {
	return CName
}

func (c *Config) GetMetric() metric.Config {
	return c.Metric
}

func (c *Config) GetRTC() rtc.Config {
	return c.RTC
}
