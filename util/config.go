package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const Name = "mastodont"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

// Client is a credential for the client-to-server outbox. PasswordHash is
// the bcrypt hash of the password, see HashSecret.
type Client struct {
	Name         string `yaml:"name" validate:"required"`
	PasswordHash string `yaml:"passwordHash" validate:"required,len=60,startswith=$2"`
	Account      string `yaml:"account" validate:"required"`
}

// LocalAccount is provisioned at startup when missing.
type LocalAccount struct {
	Nickname                  string `yaml:"nickname" validate:"required,alphanum,lowercase"`
	ManuallyApprovesFollowers bool   `yaml:"manuallyApprovesFollowers"`
}

type AppConfig struct {
	Conf struct {
		Host               string         `yaml:"host"`
		HttpPort           int            `yaml:"httpPort" validate:"min=1,max=65535"`
		Domain             string         `yaml:"domain" validate:"required,hostname_rfc1123"`
		Port               int            `yaml:"port" validate:"min=0,max=65535"`
		HttpPrefix         string         `yaml:"httpPrefix" validate:"oneof=http https"`
		DataDir            string         `yaml:"dataDir" validate:"required"`
		DbPath             string         `yaml:"dbPath" validate:"required"`
		LogLevel           string         `yaml:"logLevel" validate:"oneof=trace debug info warn error"`
		SharedInbox        bool           `yaml:"sharedInbox"`
		MaxDeliveryUnits   int            `yaml:"maxDeliveryUnits" validate:"min=1"`
		DeliveryGrace      time.Duration  `yaml:"deliveryGrace"`
		DeliveryTimeout    time.Duration  `yaml:"deliveryTimeout"`
		ReapInterval       time.Duration  `yaml:"reapInterval"`
		BlockCacheInterval time.Duration  `yaml:"blockCacheInterval"`
		BrochMode          bool           `yaml:"brochMode"`
		BrochModeDays      int            `yaml:"brochModeDays"`
		ActorTTL           time.Duration  `yaml:"actorTTL"`
		ActivityRetention  time.Duration  `yaml:"activityRetention"`
		SignatureDialect   string         `yaml:"signatureDialect" validate:"oneof=legacy structured"`
		DigestAlgorithm    string         `yaml:"digestAlgorithm" validate:"oneof=sha256 sha512"`
		Clients            []Client       `yaml:"clients" validate:"dive"`
		Accounts           []LocalAccount `yaml:"accounts" validate:"dive"`
		// PruneAccounts deletes registered accounts missing from Accounts.
		PruneAccounts bool `yaml:"pruneAccounts"`
	}
}

// DomainFull is the instance domain including a non-default port.
func (c *AppConfig) DomainFull() string {
	if c.Conf.Port == 0 || c.Conf.Port == 80 || c.Conf.Port == 443 {
		return c.Conf.Domain
	}
	return fmt.Sprintf("%s:%d", c.Conf.Domain, c.Conf.Port)
}

// ReadConf loads the config file, falling back to the embedded defaults
// (and writing them to the user config directory) when none exists.
func ReadConf() (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info().Str("path", configPath).Msg("config file not found, using embedded defaults")
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn().Err(writeErr).Str("path", userConfigPath).Msg("could not write default config")
			} else {
				log.Info().Str("path", userConfigPath).Msg("created default config file")
			}
		}
	}
	return ParseConf(buf)
}

// ParseConf decodes YAML over the embedded defaults, applies MASTODONT_*
// environment overrides and validates the result.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func (c *AppConfig) applyEnv() error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"MASTODONT_HOST", &c.Conf.Host},
		{"MASTODONT_DOMAIN", &c.Conf.Domain},
		{"MASTODONT_HTTP_PREFIX", &c.Conf.HttpPrefix},
		{"MASTODONT_DATADIR", &c.Conf.DataDir},
		{"MASTODONT_DBPATH", &c.Conf.DbPath},
		{"MASTODONT_LOGLEVEL", &c.Conf.LogLevel},
		{"MASTODONT_SIGNATURE_DIALECT", &c.Conf.SignatureDialect},
		{"MASTODONT_DIGEST", &c.Conf.DigestAlgorithm},
	}
	for _, s := range strs {
		if v := os.Getenv(s.name); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"MASTODONT_HTTPPORT", &c.Conf.HttpPort},
		{"MASTODONT_PORT", &c.Conf.Port},
		{"MASTODONT_MAX_DELIVERY_UNITS", &c.Conf.MaxDeliveryUnits},
		{"MASTODONT_BROCH_MODE_DAYS", &c.Conf.BrochModeDays},
	}
	for _, i := range ints {
		v := os.Getenv(i.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.name, err)
		}
		*i.dst = n
	}

	if v := os.Getenv("MASTODONT_SHARED_INBOX"); v != "" {
		c.Conf.SharedInbox = v == "true"
	}
	if v := os.Getenv("MASTODONT_BROCH_MODE"); v != "" {
		c.Conf.BrochMode = v == "true"
	}
	if v := os.Getenv("MASTODONT_PRUNE_ACCOUNTS"); v != "" {
		c.Conf.PruneAccounts = v == "true"
	}
	return nil
}
