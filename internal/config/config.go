package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr    string
		BaseURL string
	}
	Token struct {
		Key        string
		TTLMinutes int
	}
	Extract struct {
		Binary         string
		CookiesPath    string
		MaxWorkers     int
		TimeoutSeconds int
		AllowedDomains []string
		BlockedMarkers []string
	}
	Download struct {
		TimeoutSeconds int
		TempDir        string
	}
	Cache struct {
		Path       string
		TTLSeconds int
	}
	Cleanup struct {
		IntervalMinutes int
		MaxAgeSeconds   int
	}
	VPN struct {
		InstanceID     string
		InstanceRegion string
		ControlPort    int
		Username       string
		Password       string
	}
	Admin struct {
		PasswordHash    string
		JWTSecret       string
		TokenTTLMinutes int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("MEDIAGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:3021")
	v.SetDefault("server.baseurl", "http://localhost:3021")
	v.SetDefault("token.key", "overflow")
	v.SetDefault("token.ttlminutes", 360)
	v.SetDefault("extract.binary", "yt-dlp")
	v.SetDefault("extract.cookiespath", "./cookies/www.tiktok.com_cookies.txt")
	v.SetDefault("extract.maxworkers", 20)
	v.SetDefault("extract.timeoutseconds", 30)
	v.SetDefault("extract.alloweddomains", []string{"tiktok.com", "douyin.com"})
	v.SetDefault("extract.blockedmarkers", []string{"403", "forbidden", "ip address is blocked", "blocked"})
	v.SetDefault("download.timeoutseconds", 120)
	v.SetDefault("download.tempdir", "./temp")
	v.SetDefault("cache.path", "data/metadata-cache.db")
	v.SetDefault("cache.ttlseconds", 300)
	v.SetDefault("cleanup.intervalminutes", 15)
	v.SetDefault("cleanup.maxageseconds", 3600)
	v.SetDefault("vpn.instanceid", "unknown")
	v.SetDefault("vpn.instanceregion", "unknown")
	v.SetDefault("vpn.controlport", 8000)
	v.SetDefault("vpn.username", "admin")
	v.SetDefault("vpn.password", "")
	v.SetDefault("admin.passwordhash", "")
	v.SetDefault("admin.jwtsecret", "")
	v.SetDefault("admin.tokenttlminutes", 60)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
