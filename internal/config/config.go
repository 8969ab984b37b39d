package config

import (
	"time"

	"github.com/spf13/viper"
	pkgconfig "github.com/weiawesome/wes-io-live/chat-session/pkg/config"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/log"
)

type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	Reconnect ReconnectConfig
	WebSocket WebSocketConfig
	History   HistoryConfig
	Redis     RedisConfig
	Relay     RelayConfig
	Log       log.Config
}

// ServerConfig points the client at the realtime channel.
type ServerConfig struct {
	URL string
}

type SessionConfig struct {
	JoinTimeout     time.Duration `mapstructure:"join_timeout"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	EchoMatchWindow time.Duration `mapstructure:"echo_match_window"`
	TypingTTL       time.Duration `mapstructure:"typing_ttl"`
	TypingSweep     time.Duration `mapstructure:"typing_sweep"`
	TypingThrottle  time.Duration `mapstructure:"typing_throttle"`
	HistoryPageSize int           `mapstructure:"history_page_size"`
}

type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type WebSocketConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
}

type HistoryConfig struct {
	// Backend is one of "http", "redis" or "none".
	Backend string
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

type RelayConfig struct {
	Host             string
	Port             int
	JWTSecret        string  `mapstructure:"jwt_secret"`
	FramesPerSecond  float64 `mapstructure:"frames_per_second"`
	FrameBurst       int     `mapstructure:"frame_burst"`
	MaxContentLength int     `mapstructure:"max_content_length"`
	// Store is "memory" or "redis".
	Store string
}

// Load reads config from path (a directory or a yaml file), defaults and env.
func Load(path string) (*Config, error) {
	v, err := pkgconfig.Load(path, "config")
	if err != nil {
		return nil, err
	}
	return fromViper(v, true)
}

// Default returns the built-in defaults without reading files or env.
func Default() *Config {
	cfg, err := fromViper(viper.New(), false)
	if err != nil {
		// Defaults always decode.
		panic(err)
	}
	return cfg
}

func fromViper(v *viper.Viper, env bool) (*Config, error) {
	setDefaults(v)

	if env {
		bindEnv(v)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Session.JoinTimeout = pkgconfig.Duration(v, "session.join_timeout", 5*time.Second)
	cfg.Session.SendTimeout = pkgconfig.Duration(v, "session.send_timeout", 10*time.Second)
	cfg.Session.EchoMatchWindow = pkgconfig.Duration(v, "session.echo_match_window", 10*time.Second)
	cfg.Session.TypingTTL = pkgconfig.Duration(v, "session.typing_ttl", 5*time.Second)
	cfg.Session.TypingSweep = pkgconfig.Duration(v, "session.typing_sweep", 2*time.Second)
	cfg.Session.TypingThrottle = pkgconfig.Duration(v, "session.typing_throttle", 2*time.Second)
	cfg.Reconnect.BaseDelay = pkgconfig.Duration(v, "reconnect.base_delay", time.Second)
	cfg.Reconnect.MaxDelay = pkgconfig.Duration(v, "reconnect.max_delay", 30*time.Second)
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.WebSocket.HandshakeTimeout = pkgconfig.Duration(v, "websocket.handshake_timeout", 10*time.Second)
	cfg.History.Timeout = pkgconfig.Duration(v, "history.timeout", 5*time.Second)

	if cfg.Reconnect.Multiplier < 1 {
		cfg.Reconnect.Multiplier = 2
	}
	if cfg.Session.HistoryPageSize <= 0 {
		cfg.Session.HistoryPageSize = 50
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "ws://localhost:8088/chat/ws")
	v.SetDefault("session.join_timeout", "5s")
	v.SetDefault("session.send_timeout", "10s")
	v.SetDefault("session.echo_match_window", "10s")
	v.SetDefault("session.typing_ttl", "5s")
	v.SetDefault("session.typing_sweep", "2s")
	v.SetDefault("session.typing_throttle", "2s")
	v.SetDefault("session.history_page_size", 50)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.max_delay", "30s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("history.backend", "http")
	v.SetDefault("history.base_url", "http://localhost:8088")
	v.SetDefault("history.timeout", "5s")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chat:history")
	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", 8088)
	v.SetDefault("relay.jwt_secret", "")
	v.SetDefault("relay.frames_per_second", 20.0)
	v.SetDefault("relay.frame_burst", 40)
	v.SetDefault("relay.max_content_length", 2000)
	v.SetDefault("relay.store", "memory")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "chat-session")
}

// bindEnv maps the deployment env vars onto config keys.
func bindEnv(v *viper.Viper) {
	v.BindEnv("server.url", "CHAT_SERVER_URL")
	v.BindEnv("history.base_url", "CHAT_HISTORY_URL")
	v.BindEnv("history.backend", "CHAT_HISTORY_BACKEND")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("relay.port", "PORT")
	v.BindEnv("relay.jwt_secret", "RELAY_JWT_SECRET")
	v.BindEnv("relay.store", "RELAY_STORE")
	v.BindEnv("log.level", "LOG_LEVEL")
}
