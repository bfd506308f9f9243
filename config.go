package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDiscordToken = "DISCORD_TOKEN"
	EnvGuildID      = "GUILD_ID"
	EnvDatabasePath = "DATABASE_PATH"
	EnvOwnerIDs     = "OWNER_IDS"
	EnvSilent       = "SILENT"
	EnvIdleTimeout  = "IDLE_TIMEOUT"
	EnvYtdlpPath    = "YTDLP_PATH"
	EnvYoutubeProxy = "YOUTUBE_PROXY"
)

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	OwnerIDs     []string
	Silent       bool
	IdleTimeout  time.Duration
	YtdlpPath    string
	YoutubeProxy string
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv(EnvDiscordToken)
	dbPath := os.Getenv(EnvDatabasePath)
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))

	idleTimeout := 5 * time.Minute
	if raw := os.Getenv(EnvIdleTimeout); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			idleTimeout = d
		}
	}
	if idleTimeout < 0 {
		idleTimeout = 0
	}

	ownerIDsStr := os.Getenv(EnvOwnerIDs)
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:        token,
		GuildID:      os.Getenv(EnvGuildID),
		DatabasePath: dbPath,
		OwnerIDs:     ownerIDs,
		Silent:       silent,
		IdleTimeout:  idleTimeout,
		YtdlpPath:    os.Getenv(EnvYtdlpPath),
		YoutubeProxy: os.Getenv(EnvYoutubeProxy),
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuild)
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}

func getIdleTimeout() time.Duration {
	if GlobalConfig != nil {
		return GlobalConfig.IdleTimeout
	}
	return 5 * time.Minute
}
