package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/domain"
	"github.com/netsec-ethz/fpki-validator/pkg/util"
)

// QueryType selects the protocol spoken with a map server.
type QueryType string

const (
	// QueryTypeEntries: GET /?domain= returns the domain entries with their proofs.
	QueryTypeEntries QueryType = "lfpki-http-get"
	// QueryTypeProofs: GET /getproof?domain= returns the IDs of the payloads with their
	// proofs, and GET /getpayloads?ids= the payloads.
	QueryTypeProofs QueryType = "fpki-http-proof"
)

// MapServer is one of the map servers the validator can query.
type MapServer struct {
	Identity  string    `json:"identity"`
	Domain    string    `json:"domain"` // base URL
	QueryType QueryType `json:"querytype"`
	PublicKey string    `json:"publickey,omitempty"` // base64 PKIX DER
}

// TrustPreference assigns a trust level to a CA set (legacy mode) or to a PCA (policy mode).
type TrustPreference struct {
	CASet string `json:"caSet,omitempty"`
	PCA   string `json:"pca,omitempty"`
	Level int    `json:"level"`
}

// Authority returns the CA set or the PCA the preference refers to.
func (p TrustPreference) Authority() string {
	if p.CASet != "" {
		return p.CASet
	}
	return p.PCA
}

// Preferences maps a domain pattern to its ordered list of preferences.
type Preferences map[string][]TrustPreference

// Config is the configuration of the validator. It is never modified once handed to the
// validator; replacing it goes through the validator.
type Config struct {
	MapServers                []MapServer         `json:"mapservers"`
	MapServerInstancesQueried int                 `json:"mapserver-instances-queried"`
	MapServerQuorum           int                 `json:"mapserver-quorum"`
	CacheTimeout              util.DurationWrap   `json:"cache-timeout"`
	MaxConnectionSetupTime    util.DurationWrap   `json:"max-connection-setup-time"`
	ProofFetchTimeout         util.DurationWrap   `json:"proof-fetch-timeout"`
	ProofFetchMaxTries        int                 `json:"proof-fetch-max-tries"`
	ProofFetchRetryDelay      util.DurationWrap   `json:"proof-fetch-retry-delay"`
	CASets                    map[string][]string `json:"ca-sets"`
	LegacyTrustPreference     Preferences         `json:"legacy-trust-preference"`
	PolicyTrustPreference     Preferences         `json:"policy-trust-preference"`
	DecisionCacheSize         int                 `json:"decision-cache-size"`
}

// DefaultConfig returns the sample configuration.
func DefaultConfig() *Config {
	return &Config{
		MapServers: []MapServer{
			{
				Identity:  "ETH",
				Domain:    "http://localhost:8080",
				QueryType: QueryTypeEntries,
			},
		},
		MapServerInstancesQueried: 1,
		MapServerQuorum:           1,
		CacheTimeout:              util.NewDurationWrap(time.Hour),
		MaxConnectionSetupTime:    util.NewDurationWrap(time.Minute),
		ProofFetchTimeout:         util.NewDurationWrap(10 * time.Second),
		ProofFetchMaxTries:        3,
		ProofFetchRetryDelay:      util.NewDurationWrap(time.Second),
		CASets: map[string][]string{
			"US CA": {
				"CN=DigiCert Global Root CA,OU=www.digicert.com,O=DigiCert Inc,C=US",
				"CN=ISRG Root X1,O=Internet Security Research Group,C=US",
			},
			"Microsoft CA": {
				"CN=Microsoft RSA Root Certificate Authority 2017,O=Microsoft Corporation,C=US",
			},
		},
		LegacyTrustPreference: Preferences{
			"*": {
				{CASet: "US CA", Level: 1},
			},
		},
		PolicyTrustPreference: Preferences{
			"*": {
				{PCA: "pca", Level: 1},
			},
		},
		DecisionCacheSize: 1024,
	}
}

// QueriedMapServers returns the map servers the validator queries for every domain.
func (c *Config) QueriedMapServers() []MapServer {
	n := c.MapServerInstancesQueried
	if n > len(c.MapServers) {
		n = len(c.MapServers)
	}
	return c.MapServers[:n]
}

// CASetsContaining returns the names of the CA sets that include the subject, sorted.
func (c *Config) CASetsContaining(subject string) []string {
	var sets []string
	for name, subjects := range c.CASets {
		if slices.Contains(subjects, subject) {
			sets = append(sets, name)
		}
	}
	slices.Sort(sets)
	return sets
}

// Validate checks the configuration. All errors wrap common.ErrInvalidConfig.
func (c *Config) Validate() error {
	if len(c.MapServers) == 0 {
		return common.NewInvalidConfigError("no map servers")
	}
	identities := make(map[string]struct{}, len(c.MapServers))
	for i, ms := range c.MapServers {
		if ms.Identity == "" {
			return common.NewInvalidConfigError("map server %d without identity", i)
		}
		if _, ok := identities[ms.Identity]; ok {
			return common.NewInvalidConfigError("duplicated map server identity %q", ms.Identity)
		}
		identities[ms.Identity] = struct{}{}
		u, err := url.Parse(ms.Domain)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return common.NewInvalidConfigError("map server %q has invalid address %q",
				ms.Identity, ms.Domain)
		}
		switch ms.QueryType {
		case QueryTypeEntries, QueryTypeProofs:
		default:
			return common.NewInvalidConfigError("map server %q has unknown query type %q",
				ms.Identity, ms.QueryType)
		}
		if ms.PublicKey != "" {
			if _, err := util.DERBase64ToPublicKey(ms.PublicKey); err != nil {
				return common.NewInvalidConfigError("map server %q: %s", ms.Identity, err)
			}
		}
	}

	switch {
	case c.MapServerInstancesQueried < 1:
		return common.NewInvalidConfigError("mapserver-instances-queried must be positive")
	case c.MapServerInstancesQueried > len(c.MapServers):
		return common.NewInvalidConfigError("mapserver-instances-queried (%d) exceeds the %d map servers",
			c.MapServerInstancesQueried, len(c.MapServers))
	case c.MapServerQuorum < 1:
		return common.NewInvalidConfigError("mapserver-quorum must be positive")
	case c.MapServerQuorum > c.MapServerInstancesQueried:
		return common.NewInvalidConfigError("mapserver-quorum (%d) exceeds mapserver-instances-queried (%d)",
			c.MapServerQuorum, c.MapServerInstancesQueried)
	case c.ProofFetchMaxTries < 1:
		return common.NewInvalidConfigError("proof-fetch-max-tries must be positive")
	case c.ProofFetchTimeout.Duration <= 0:
		return common.NewInvalidConfigError("proof-fetch-timeout must be positive")
	case c.CacheTimeout.Duration < 0 || c.MaxConnectionSetupTime.Duration < 0 ||
		c.ProofFetchRetryDelay.Duration < 0:
		return common.NewInvalidConfigError("negative durations are not allowed")
	case c.DecisionCacheSize < 1:
		return common.NewInvalidConfigError("decision-cache-size must be positive")
	}

	if err := c.validatePreferences(c.LegacyTrustPreference, true); err != nil {
		return fmt.Errorf("legacy-trust-preference | %w", err)
	}
	if err := c.validatePreferences(c.PolicyTrustPreference, false); err != nil {
		return fmt.Errorf("policy-trust-preference | %w", err)
	}
	return nil
}

func (c *Config) validatePreferences(prefs Preferences, legacy bool) error {
	patterns := maps.Keys(prefs)
	slices.Sort(patterns)
	for _, pattern := range patterns {
		if err := domain.ValidatePattern(pattern); err != nil {
			return common.NewInvalidConfigError("%s", err)
		}
		for _, p := range prefs[pattern] {
			if p.Level < 0 {
				return common.NewInvalidConfigError("negative trust level for %q", pattern)
			}
			if legacy {
				if p.CASet == "" || p.PCA != "" {
					return common.NewInvalidConfigError("pattern %q: legacy preferences refer to a CA set",
						pattern)
				}
				if _, ok := c.CASets[p.CASet]; !ok {
					return common.NewInvalidConfigError("pattern %q refers to undefined CA set %q",
						pattern, p.CASet)
				}
			} else if p.PCA == "" || p.CASet != "" {
				return common.NewInvalidConfigError("pattern %q: policy preferences refer to a PCA",
					pattern)
			}
		}
	}
	return nil
}

// ReadConfigFromFile reads and validates a JSON configuration.
func ReadConfigFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("ReadConfigFromFile | ReadFile | %w", err)
	}

	// JSON to Config.
	c := &Config{}
	if err = json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: ReadConfigFromFile | Unmarshal | %w", common.ErrInvalidConfig, err)
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WriteConfigurationToFile writes the configuration as indented JSON.
func WriteConfigurationToFile(filePath string, config *Config) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("WriteConfigurationToFile | Marshal | %w", err)
	}
	return os.WriteFile(filePath, data, 0644)
}
