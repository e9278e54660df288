package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	SQLite      SQLiteConfig
	Redis       RedisConfig
	Warehouse   WarehouseConfig
	Pipeline    PipelineConfig
	Geo         GeoConfig
	Calibration CalibrationConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        int
	WriteTimeout       int
	BodyLimit          int
	MaxRequestsPerMin  int
	MaxCalibrationRows int
	AllowedOrigins     []string
	Environment        string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled    bool
	Host       string
	Port       int
	Password   string
	DB         int
	TTLMinutes int
}

type WarehouseConfig struct {
	DSN             string
	QueryTimeoutSec int
	MaxAttempts     int
}

type PipelineConfig struct {
	Service              string
	Workers              int
	Percentile           float64
	HistoryHorizonDays   int
	MinLocationVisits    int
	MinDistinctRide      int
	MinDistinctFood      int
	ProximityThresholdKm float64
	QuantizeDecimals     int
	UnmatchedBookings    string
}

type CountryConfig struct {
	Name     string
	Timezone string
	Weekend  []string
	MinLat   float64
	MaxLat   float64
	MinLong  float64
	MaxLong  float64
}

type GeoConfig struct {
	Countries    []CountryConfig
	ValidZoneIDs []string
}

type CalibrationConfig struct {
	Increasing    bool
	YMin          *float64
	YMax          *float64
	Approximation  int
	BatchSize      int
	MaxCalibrators int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads path when given, otherwise searches the default locations for config.yaml.
func LoadFile(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/session-intent")
	}

	viper.SetEnvPrefix("SESSION_INTENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Geo.Countries) == 0 {
		config.Geo.Countries = DefaultCountries()
	}
	if len(config.Geo.ValidZoneIDs) == 0 {
		config.Geo.ValidZoneIDs = DefaultValidZoneIDs()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the feature engine cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.Percentile < 0 || c.Pipeline.Percentile > 1 {
		return fmt.Errorf("pipeline.percentile must be within [0, 1], got %v", c.Pipeline.Percentile)
	}
	if c.Pipeline.ProximityThresholdKm <= 0 {
		return fmt.Errorf("pipeline.proximityThresholdKm must be positive, got %v", c.Pipeline.ProximityThresholdKm)
	}
	if c.Pipeline.Service != "rh" && c.Pipeline.Service != "food" {
		return fmt.Errorf("pipeline.service must be rh or food, got %q", c.Pipeline.Service)
	}
	if c.Pipeline.UnmatchedBookings != "failed" && c.Pipeline.UnmatchedBookings != "standalone" {
		return fmt.Errorf("pipeline.unmatchedBookings must be failed or standalone, got %q", c.Pipeline.UnmatchedBookings)
	}
	for _, country := range c.Geo.Countries {
		if country.Name == "" || country.Timezone == "" {
			return fmt.Errorf("geo country entries need a name and a timezone")
		}
		if country.MinLat > country.MaxLat || country.MinLong > country.MaxLong {
			return fmt.Errorf("geo bounds for %s are inverted", country.Name)
		}
	}
	if c.Calibration.YMin != nil && c.Calibration.YMax != nil && *c.Calibration.YMin > *c.Calibration.YMax {
		return fmt.Errorf("calibration.yMin must not exceed calibration.yMax")
	}
	return nil
}

func DefaultCountries() []CountryConfig {
	return []CountryConfig{
		{
			Name:     "United Arab Emirates",
			Timezone: "Asia/Dubai",
			Weekend:  []string{"Saturday", "Sunday"},
			MinLat:   22.5,
			MaxLat:   27,
			MinLong:  52.2,
			MaxLong:  56.5,
		},
		{
			Name:     "Jordan",
			Timezone: "Asia/Amman",
			Weekend:  []string{"Friday", "Saturday"},
			MinLat:   30,
			MaxLat:   33,
			MinLong:  34,
			MaxLong:  37,
		},
	}
}

func DefaultValidZoneIDs() []string {
	return []string{"1", "21", "64", "68", "111", "87", "49", "47"}
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)
	viper.SetDefault("server.maxRequestsPerMin", 120)
	viper.SetDefault("server.maxCalibrationRows", 200000)
	viper.SetDefault("server.environment", "production")

	viper.SetDefault("sqlite.path", "./data/sessions.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlMinutes", 1440)

	viper.SetDefault("warehouse.dsn", "postgres://localhost:5432/warehouse?sslmode=disable")
	viper.SetDefault("warehouse.queryTimeoutSec", 600)
	viper.SetDefault("warehouse.maxAttempts", 2)

	viper.SetDefault("pipeline.service", "rh")
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.percentile", 0.8)
	viper.SetDefault("pipeline.historyHorizonDays", 60)
	viper.SetDefault("pipeline.minLocationVisits", 3)
	viper.SetDefault("pipeline.minDistinctRide", 2)
	viper.SetDefault("pipeline.minDistinctFood", 1)
	viper.SetDefault("pipeline.proximityThresholdKm", 0.2)
	viper.SetDefault("pipeline.quantizeDecimals", 3)
	viper.SetDefault("pipeline.unmatchedBookings", "failed")

	viper.SetDefault("calibration.increasing", true)
	viper.SetDefault("calibration.approximation", -1)
	viper.SetDefault("calibration.batchSize", 0)
	viper.SetDefault("calibration.maxCalibrators", 64)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
