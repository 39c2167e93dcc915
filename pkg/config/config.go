package config

import "time"

// WS definition ws_service YAML structure
type WS struct {
	Port          string `mapstructure:"port"`
	GRPCPort      string `mapstructure:"grpc_port"`
	AllowedOrigin string `mapstructure:"allowed_origin"`
	JWTSecret     string `mapstructure:"jwt_secret"`

	Redis      RedisConfig    `mapstructure:"redis"`
	PostgreSQL DatabaseConfig `mapstructure:"pg"`

	Presence  PresenceConfig  `mapstructure:"presence"`
	Proximity ProximityConfig `mapstructure:"proximity"`

	RegistrySweep time.Duration `mapstructure:"registry_sweep"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
}

// PresenceConfig presence mirror lease
type PresenceConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`
	Refresh time.Duration `mapstructure:"refresh"`
}

// ProximityConfig call activation / awareness thresholds
type ProximityConfig struct {
	VideoCallRange int           `mapstructure:"video_call_range"` // grid steps
	ProximityRange float64       `mapstructure:"proximity_range"`  // pixels
	TileSize       int           `mapstructure:"tile_size"`        // pixels per grid step
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	CallCleanup    time.Duration `mapstructure:"call_cleanup"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
}

// Chat definition chat_service YAML structure
type Chat struct {
	Port          string `mapstructure:"port"`
	GRPCPort      string `mapstructure:"grpc_port"`
	AllowedOrigin string `mapstructure:"allowed_origin"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	// DemoAuth 允許 userId/username query 直接握手, 僅供 demo
	DemoAuth bool `mapstructure:"demo_auth"`

	MongoSQL   DatabaseConfig  `mapstructure:"mongo"`
	Redis      RedisConfig     `mapstructure:"redis"`
	PostgreSQL DatabaseConfig  `mapstructure:"pg"`
	Analytics  AnalyticsConfig `mapstructure:"analytics"`

	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	CacheSize        int           `mapstructure:"cache_size"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	TypingTTL        time.Duration `mapstructure:"typing_ttl"`
	MaxMessageLength int           `mapstructure:"max_message_length"`
}

// AnalyticsConfig analytics / backup stream
type AnalyticsConfig struct {
	Driver   string   `mapstructure:"driver"` // kafka | rabbitmq | none
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	AMQPURL  string   `mapstructure:"amqp_url"`
	Exchange string   `mapstructure:"exchange"`

	RetryInterval int `mapstructure:"retry_interval"`
	RetryCount    int `mapstructure:"retry_count"`
}

// RedisConfig definition redis setting
// Addr 為空時走 sentinel (GetRedisSetting)
type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	RedisDB int    `mapstructure:"redis_db"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// DefaultWS returns the ws service defaults.
func DefaultWS() WS {
	return WS{
		Port:     "8080",
		GRPCPort: "9080",
		Presence: PresenceConfig{
			TTL:     2 * time.Second,
			Refresh: time.Second,
		},
		Proximity: ProximityConfig{
			VideoCallRange: 2,
			ProximityRange: 150,
			TileSize:       32,
			ScanInterval:   5 * time.Second,
			CallCleanup:    time.Minute,
			CallTimeout:    time.Hour,
		},
		RegistrySweep: 30 * time.Second,
		PingInterval:  30 * time.Second,
	}
}

// DefaultChat returns the chat service defaults.
func DefaultChat() Chat {
	return Chat{
		Port:             "8081",
		GRPCPort:         "9081",
		Heartbeat:        30 * time.Second,
		IdleTimeout:      5 * time.Minute,
		CacheSize:        50,
		CacheTTL:         time.Hour,
		TypingTTL:        10 * time.Second,
		MaxMessageLength: 2000,
		Analytics: AnalyticsConfig{
			Driver:        "kafka",
			Topic:         "chat-messages",
			Exchange:      "chat.analytics",
			RetryInterval: 2,
			RetryCount:    5,
		},
	}
}

// ApplyDefaults fills zero values of c from DefaultWS.
func (c *WS) ApplyDefaults() {
	d := DefaultWS()
	setString(&c.Port, d.Port)
	setString(&c.GRPCPort, d.GRPCPort)
	setDuration(&c.Presence.TTL, d.Presence.TTL)
	setDuration(&c.Presence.Refresh, d.Presence.Refresh)
	if c.Proximity.VideoCallRange == 0 {
		c.Proximity.VideoCallRange = d.Proximity.VideoCallRange
	}
	if c.Proximity.ProximityRange == 0 {
		c.Proximity.ProximityRange = d.Proximity.ProximityRange
	}
	if c.Proximity.TileSize == 0 {
		c.Proximity.TileSize = d.Proximity.TileSize
	}
	setDuration(&c.Proximity.ScanInterval, d.Proximity.ScanInterval)
	setDuration(&c.Proximity.CallCleanup, d.Proximity.CallCleanup)
	setDuration(&c.Proximity.CallTimeout, d.Proximity.CallTimeout)
	setDuration(&c.RegistrySweep, d.RegistrySweep)
	setDuration(&c.PingInterval, d.PingInterval)
}

// ApplyDefaults fills zero values of c from DefaultChat.
func (c *Chat) ApplyDefaults() {
	d := DefaultChat()
	setString(&c.Port, d.Port)
	setString(&c.GRPCPort, d.GRPCPort)
	setDuration(&c.Heartbeat, d.Heartbeat)
	setDuration(&c.IdleTimeout, d.IdleTimeout)
	setDuration(&c.CacheTTL, d.CacheTTL)
	setDuration(&c.TypingTTL, d.TypingTTL)
	if c.CacheSize == 0 {
		c.CacheSize = d.CacheSize
	}
	if c.MaxMessageLength == 0 {
		c.MaxMessageLength = d.MaxMessageLength
	}
	setString(&c.Analytics.Driver, d.Analytics.Driver)
	setString(&c.Analytics.Topic, d.Analytics.Topic)
	setString(&c.Analytics.Exchange, d.Analytics.Exchange)
	if c.Analytics.RetryCount == 0 {
		c.Analytics.RetryCount = d.Analytics.RetryCount
	}
	if c.Analytics.RetryInterval == 0 {
		c.Analytics.RetryInterval = d.Analytics.RetryInterval
	}
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if *dst == 0 {
		*dst = v
	}
}
