package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Guild    GuildConfig    `mapstructure:"guild"`
	Security SecurityConfig `mapstructure:"security"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type GuildConfig struct {
	MaxMembers        int           `mapstructure:"max_members"`
	CreateCost        int64         `mapstructure:"create_cost"`
	InviteExpiry      time.Duration `mapstructure:"invite_expiry"`
	InviteSweep       time.Duration `mapstructure:"invite_sweep"`
	ActivitySweep     time.Duration `mapstructure:"activity_sweep"`
	ReminderLadderMin []int         `mapstructure:"reminder_ladder_min"`
	WarInviteExpiry   time.Duration `mapstructure:"war_invite_expiry"`
	WarPreparation    time.Duration `mapstructure:"war_preparation"`
	WarDuration       time.Duration `mapstructure:"war_duration"`
	WarMinMembers     int           `mapstructure:"war_min_members"`
	// WinnerScript is an optional JS expression evaluated when a war runs its
	// full duration. Empty means every war ends in a draw.
	WinnerScript        string        `mapstructure:"winner_script"`
	WinnerScriptTimeout time.Duration `mapstructure:"winner_script_timeout"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/guildhall.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("guild.max_members", 50)
	v.SetDefault("guild.create_cost", 1000)
	v.SetDefault("guild.invite_expiry", "60s")
	v.SetDefault("guild.invite_sweep", "30s")
	v.SetDefault("guild.activity_sweep", "1m")
	v.SetDefault("guild.reminder_ladder_min", []int{60, 30, 15, 5, 1})
	v.SetDefault("guild.war_invite_expiry", "5m")
	v.SetDefault("guild.war_preparation", "10m")
	v.SetDefault("guild.war_duration", "60m")
	v.SetDefault("guild.war_min_members", 5)
	v.SetDefault("guild.winner_script_timeout", "500ms")
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
