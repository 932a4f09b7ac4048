// Package rates maps (provider, instance type, spot) to an hourly USD price.
// Unknown combinations price at zero, which callers treat as "do not bill".
package rates

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Rate carries the on-demand price and an optional spot price per hour, USD.
type Rate struct {
	OnDemand float64 `mapstructure:"onDemand"`
	Spot     float64 `mapstructure:"spot"`
}

// Override is one rates.yml entry replacing or extending the built-in table.
type Override struct {
	Provider     string  `mapstructure:"provider"`
	InstanceType string  `mapstructure:"instanceType"`
	OnDemand     float64 `mapstructure:"onDemand"`
	Spot         float64 `mapstructure:"spot"`
}

type table map[string]map[string]Rate

func defaultTable() table {
	return table{
		"hetzner": {
			"cpx11": {OnDemand: 0.005},
			"cpx21": {OnDemand: 0.008},
			"cpx31": {OnDemand: 0.015},
			"cx22":  {OnDemand: 0.006},
			"cx32":  {OnDemand: 0.012},
			"cx42":  {OnDemand: 0.024},
			"cx52":  {OnDemand: 0.048},
		},
		"aws": {
			"t3.micro":     {OnDemand: 0.0104},
			"t3.small":     {OnDemand: 0.0208},
			"t3.medium":    {OnDemand: 0.0416},
			"t3.large":     {OnDemand: 0.0832},
			"t3.xlarge":    {OnDemand: 0.1664},
			"g4dn.xlarge":  {OnDemand: 0.526, Spot: 0.15},
			"g4dn.2xlarge": {OnDemand: 0.752, Spot: 0.22},
			"p3.2xlarge":   {OnDemand: 3.06, Spot: 1.0},
			"p3.8xlarge":   {OnDemand: 12.24, Spot: 4.0},
			"p4d.24xlarge": {OnDemand: 32.77, Spot: 10.0},
		},
	}
}

// Table resolves hourly rates. Lookups read an atomically swapped snapshot so
// hot reloads never race billing cycles.
type Table struct {
	current atomic.Value // holds table
}

// NewTable returns a Table backed by the built-in rate data.
func NewTable() *Table {
	t := &Table{}
	t.current.Store(defaultTable())
	return t
}

// NewTableFromConfig loads rates.yml overrides through viper and watches the
// file for changes. A missing file falls back to the built-in table.
func NewTableFromConfig(path string) (*Table, error) {
	t := NewTable()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}

	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return t, nil
		}
		return nil, err
	}

	apply := func() error {
		var overrides []Override
		if err := v.UnmarshalKey("rates", &overrides); err != nil {
			return err
		}
		t.current.Store(merge(defaultTable(), overrides))
		return nil
	}

	if err := apply(); err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := apply(); err != nil {
			zap.L().Warn("rates reload failed, keeping previous table", zap.Error(err))
			return
		}
		zap.L().Info("rates reloaded", zap.String("file", e.Name))
	})

	return t, nil
}

func merge(base table, overrides []Override) table {
	for _, o := range overrides {
		provider := strings.ToLower(strings.TrimSpace(o.Provider))
		instanceType := strings.TrimSpace(o.InstanceType)
		if provider == "" || instanceType == "" {
			continue
		}
		if base[provider] == nil {
			base[provider] = map[string]Rate{}
		}
		base[provider][instanceType] = Rate{OnDemand: o.OnDemand, Spot: o.Spot}
	}
	return base
}

// HourlyRate returns the USD hourly price, or 0 for unknown combinations.
// Spot pricing applies only when the instance type has a spot rate.
func (t *Table) HourlyRate(provider, instanceType string, spot bool) float64 {
	snapshot := t.current.Load().(table)
	rates, ok := snapshot[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return 0
	}
	rate, ok := rates[strings.TrimSpace(instanceType)]
	if !ok {
		return 0
	}
	if spot && rate.Spot > 0 {
		return rate.Spot
	}
	return rate.OnDemand
}
