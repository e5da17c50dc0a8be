package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"nearbydrop/internal/transfer"
)

const (
	DefaultListen          = ":3006"
	DefaultStorageDir      = "storage"
	DefaultMaxUploadBytes  = 512 << 20
	DefaultMaxMessageBytes = 16 * 1024
	DefaultMaxMsgsPerSec   = 20
	DefaultBurstMessages   = 40
	DefaultSendQueue       = 64
	DefaultOfferTTL        = transfer.DefaultOfferTTL
	DefaultMaxOffers       = transfer.DefaultMaxOffers
	DefaultSweepInterval   = time.Minute
	DefaultAllowOrigin     = "*"
	DefaultLogLevel        = "info"
)

// DefaultIcons is used when no aliases file is configured.
var DefaultIcons = []string{
	"Alligator", "Badger", "Beaver", "Camel", "Cheetah", "Dolphin", "Elephant",
	"Ferret", "Giraffe", "Hedgehog", "Ibex", "Jackal", "Koala", "Lemur",
	"Manatee", "Narwhal", "Otter", "Panda", "Quokka", "Raccoon", "Squirrel",
	"Tapir", "Walrus", "Yak", "Zebra",
}

type Config struct {
	Listen     string
	StorageDir string

	// AliasesPath points at a JSON file of the form {"icons": ["..."]}.
	AliasesPath string
	Icons       []string

	MaxUploadBytes  int64
	MaxMessageBytes int
	MaxMsgsPerSec   int
	BurstMessages   int
	SendQueue       int

	StrictDecisions bool
	OfferTTL        time.Duration
	MaxOffers       int
	SweepInterval   time.Duration

	// BlobTTL prunes uploads older than this; zero keeps them forever.
	BlobTTL time.Duration

	AllowOrigin string

	TLSCert       string
	TLSKey        string
	TLSSelfSigned bool
	TLSHosts      []string

	LogLevel string
	Dev      bool
}

func Default() Config {
	return Config{
		Listen:          DefaultListen,
		StorageDir:      DefaultStorageDir,
		Icons:           append([]string(nil), DefaultIcons...),
		MaxUploadBytes:  DefaultMaxUploadBytes,
		MaxMessageBytes: DefaultMaxMessageBytes,
		MaxMsgsPerSec:   DefaultMaxMsgsPerSec,
		BurstMessages:   DefaultBurstMessages,
		SendQueue:       DefaultSendQueue,
		OfferTTL:        DefaultOfferTTL,
		MaxOffers:       DefaultMaxOffers,
		SweepInterval:   DefaultSweepInterval,
		AllowOrigin:     DefaultAllowOrigin,
		LogLevel:        DefaultLogLevel,
	}
}

type aliasFile struct {
	Icons []string `json:"icons"`
}

// LoadIcons replaces Icons with the pool in AliasesPath, when set.
func (c *Config) LoadIcons() error {
	if strings.TrimSpace(c.AliasesPath) == "" {
		return nil
	}
	data, err := os.ReadFile(c.AliasesPath)
	if err != nil {
		return fmt.Errorf("read aliases: %w", err)
	}
	var af aliasFile
	if err := json.Unmarshal(data, &af); err != nil {
		return fmt.Errorf("parse aliases %s: %w", c.AliasesPath, err)
	}
	icons := make([]string, 0, len(af.Icons))
	seen := make(map[string]struct{}, len(af.Icons))
	for _, icon := range af.Icons {
		icon = strings.TrimSpace(icon)
		if icon == "" {
			continue
		}
		if _, dup := seen[icon]; dup {
			continue
		}
		seen[icon] = struct{}{}
		icons = append(icons, icon)
	}
	if len(icons) == 0 {
		return fmt.Errorf("aliases %s: no icons", c.AliasesPath)
	}
	c.Icons = icons
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if strings.TrimSpace(c.StorageDir) == "" {
		errs = append(errs, errors.New("storage dir is required"))
	}
	if len(c.Icons) == 0 {
		errs = append(errs, errors.New("icon pool is empty"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}
	if c.OfferTTL <= 0 {
		errs = append(errs, errors.New("offer ttl must be positive"))
	}
	if c.BlobTTL < 0 {
		errs = append(errs, errors.New("blob ttl must not be negative"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls cert and key must be set together"))
	}
	if c.TLSSelfSigned && c.TLSCert == "" {
		errs = append(errs, errors.New("self-signed tls needs cert and key paths"))
	}
	return errors.Join(errs...)
}

func (c Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
