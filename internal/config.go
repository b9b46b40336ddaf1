package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/koopa0/armada-battleship/pkg/errors"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port           int           `yaml:"port"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"` // 空白表示接受所有來源
	} `yaml:"server"`

	Game struct {
		GridSize         int           `yaml:"grid_size"`
		Fleet            []int         `yaml:"fleet"`
		TurnTimeout      time.Duration `yaml:"turn_timeout"` // 0 表示不限時
		RequireChallenge bool          `yaml:"require_challenge"`
	} `yaml:"game"`

	Limits struct {
		ChallengeBurst     int     `yaml:"challenge_burst"` // 0 表示不限流
		ChallengePerSecond float64 `yaml:"challenge_per_second"`
	} `yaml:"limits"`

	// Addr 空白時使用單機限流器
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	// URL 空白時不發布對局事件
	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 預設配置：6x6 棋盤、{4,3,2,1} 艦隊、8 秒回合
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 3000
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second

	cfg.Game.GridSize = 6
	cfg.Game.Fleet = []int{4, 3, 2, 1}
	cfg.Game.TurnTimeout = 8 * time.Second

	cfg.Limits.ChallengeBurst = 5
	cfg.Limits.ChallengePerSecond = 0.5

	cfg.Redis.Prefix = "armada"
	cfg.NATS.SubjectPrefix = "armada"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// LoadConfig 載入配置檔案，檔案不存在時使用預設值
//
// 檔案中沒有出現的欄位保留預設值；最後套用環境變數。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自啟動參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（容器部署常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("ARMADA_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.ErrInvalidConfig.WithDetails("ARMADA_PORT: " + v)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port %d out of range", c.Server.Port)
	}
	if c.Game.GridSize <= 0 {
		return invalid("game.grid_size must be positive")
	}
	if len(c.Game.Fleet) == 0 {
		return invalid("game.fleet must not be empty")
	}
	for _, l := range c.Game.Fleet {
		if l <= 0 || l > c.Game.GridSize {
			return invalid("game.fleet length %d does not fit grid %d", l, c.Game.GridSize)
		}
	}
	if FleetSize(c.Game.Fleet) > c.Game.GridSize*c.Game.GridSize {
		return invalid("game.fleet occupies more cells than the grid")
	}
	if c.Game.TurnTimeout < 0 {
		return invalid("game.turn_timeout must not be negative")
	}
	if c.Limits.ChallengeBurst < 0 || c.Limits.ChallengePerSecond < 0 {
		return invalid("limits must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format %q", c.Log.Format)
	}
	return nil
}

// LobbyConfig 轉換為大廳參數
func (c *Config) LobbyConfig() LobbyConfig {
	return LobbyConfig{
		Session: SessionConfig{
			GridSize:    c.Game.GridSize,
			Fleet:       append([]int(nil), c.Game.Fleet...),
			TurnTimeout: c.Game.TurnTimeout,
		},
		RequireChallenge: c.Game.RequireChallenge,
	}
}
