package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"kpi-alerts/internal/attribution"
	"kpi-alerts/internal/logging"
)

// Method names accepted in rule configuration.
const (
	MethodZScore      = "z_score"
	MethodDowBaseline = "dow_baseline"
)

// identifierPattern constrains every configured SQL identifier. Identifiers
// are only ever taken from validated configuration, never from alert content.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Config materialises application configuration.
type Config struct {
	App         AppConfig          `mapstructure:"app"`
	Logging     logging.Config     `mapstructure:"logging"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Scheduler   SchedulerConfig    `mapstructure:"scheduler"`
	Warehouse   WarehouseConfig    `mapstructure:"warehouse"`
	Detection   DetectionConfig    `mapstructure:"detection"`
	Attribution attribution.Config `mapstructure:"attribution"`
	Alerting    AlertingConfig     `mapstructure:"alerting"`
	Export      ExportConfig       `mapstructure:"export"`
	Rules       []Rule             `mapstructure:"rules"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. The warehouse marts
// and the alert tables live in the same database.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs evaluation cadence in `run` mode.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// WarehouseConfig locates the daily KPI mart.
type WarehouseConfig struct {
	DailyTable   string `mapstructure:"daily_table"`
	DateColumn   string `mapstructure:"date_column"`
	LookbackDays int    `mapstructure:"lookback_days"`
}

// DetectionConfig holds defaults applied to rules that omit method parameters.
type DetectionConfig struct {
	ZScoreThreshold  float64 `mapstructure:"z_score_threshold"`
	DowLookbackWeeks int     `mapstructure:"dow_lookback_weeks"`
	DowThresholdPct  float64 `mapstructure:"dow_threshold_pct"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Rule binds one metric to the detection methods evaluated against it.
// Rule order is preserved; it drives evaluation and output order.
type Rule struct {
	Metric  string         `mapstructure:"metric"`
	Grain   string         `mapstructure:"grain"`
	Methods []MethodConfig `mapstructure:"methods"`
}

// MethodConfig selects one detection method with optional overrides. Zero
// values fall back to DetectionConfig defaults.
type MethodConfig struct {
	Name          string  `mapstructure:"name"`
	Threshold     float64 `mapstructure:"threshold"`
	ThresholdPct  float64 `mapstructure:"threshold_pct"`
	LookbackWeeks int     `mapstructure:"lookback_weeks"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KPIWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "kpiwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6b706977))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("warehouse.daily_table", "dbt_dev_marts.mart_kpis_daily")
	v.SetDefault("warehouse.date_column", "pickup_date")
	v.SetDefault("warehouse.lookback_days", 60)

	v.SetDefault("detection.z_score_threshold", 3.0)
	v.SetDefault("detection.dow_lookback_weeks", 4)
	v.SetDefault("detection.dow_threshold_pct", 0.2)

	v.SetDefault("attribution.baseline_days", 28)
	v.SetDefault("attribution.noise_floor", 10.0)
	v.SetDefault("attribution.top_k", 3)
	v.SetDefault("attribution.default_column", "total_revenue")
	v.SetDefault("attribution.metric_columns", []map[string]any{
		{"match": "trips", "column": "total_trips"},
	})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate rejects malformed configuration before any I/O happens. Partial
// evaluation against a broken rule list is unsafe, so any rule error fails
// the whole run.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Warehouse.LookbackDays < 5 {
		return fmt.Errorf("warehouse.lookback_days must be at least 5")
	}
	if err := validateIdentifier("warehouse.daily_table", c.Warehouse.DailyTable); err != nil {
		return err
	}
	if err := validateIdentifier("warehouse.date_column", c.Warehouse.DateColumn); err != nil {
		return err
	}

	if err := c.validateRules(); err != nil {
		return err
	}
	if err := c.validateAttribution(); err != nil {
		return err
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

func (c *Config) validateRules() error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("rules: at least one rule is required")
	}
	for i, rule := range c.Rules {
		if rule.Metric == "" {
			return fmt.Errorf("rules[%d].metric is required", i)
		}
		if err := validateIdentifier(fmt.Sprintf("rules[%d].metric", i), rule.Metric); err != nil {
			return err
		}
		if rule.Grain == "" {
			return fmt.Errorf("rules[%d].grain is required", i)
		}
		if len(rule.Methods) == 0 {
			return fmt.Errorf("rules[%d].methods is required", i)
		}
		for j, method := range rule.Methods {
			switch method.Name {
			case MethodZScore, MethodDowBaseline:
			case "":
				return fmt.Errorf("rules[%d].methods[%d].name is required", i, j)
			default:
				return fmt.Errorf("rules[%d].methods[%d]: unknown method %q", i, j, method.Name)
			}
			if method.Threshold < 0 || method.ThresholdPct < 0 || method.LookbackWeeks < 0 {
				return fmt.Errorf("rules[%d].methods[%d]: parameters cannot be negative", i, j)
			}
		}
	}
	return nil
}

func (c *Config) validateAttribution() error {
	a := c.Attribution
	if a.BaselineDays <= 0 {
		return fmt.Errorf("attribution.baseline_days must be greater than zero")
	}
	if a.NoiseFloor < 0 {
		return fmt.Errorf("attribution.noise_floor cannot be negative")
	}
	if a.TopK <= 0 {
		return fmt.Errorf("attribution.top_k must be greater than zero")
	}
	if err := validateIdentifier("attribution.default_column", a.DefaultColumn); err != nil {
		return err
	}
	for i, rule := range a.MetricColumns {
		if rule.Match == "" {
			return fmt.Errorf("attribution.metric_columns[%d].match is required", i)
		}
		if err := validateIdentifier(fmt.Sprintf("attribution.metric_columns[%d].column", i), rule.Column); err != nil {
			return err
		}
	}
	for i, dim := range a.Dimensions {
		field := func(name string) string { return fmt.Sprintf("attribution.dimensions[%d].%s", i, name) }
		if dim.Name == "" {
			return fmt.Errorf("%s is required", field("name"))
		}
		for name, value := range map[string]string{
			field("table"):       dim.Table,
			field("date_column"): dim.DateColumn,
			field("segment_key"): dim.SegmentKey,
		} {
			if err := validateIdentifier(name, value); err != nil {
				return err
			}
		}
		hasLookup := dim.LookupTable != "" || dim.LookupKey != "" || dim.LookupName != ""
		if hasLookup {
			for name, value := range map[string]string{
				field("lookup_table"): dim.LookupTable,
				field("lookup_key"):   dim.LookupKey,
				field("lookup_name"):  dim.LookupName,
			} {
				if err := validateIdentifier(name, value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !identifierPattern.MatchString(value) {
		return fmt.Errorf("%s: %q is not a valid identifier", field, value)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
