package dnsfwd

import (
	"encoding/json"
	"os"
	"strings"
	"time"
)

// AppConfig holds the recognized options.json fields, per the data model.
// It is treated as immutable by the core once loaded; a reload of AppConfig
// itself is out of scope.
type AppConfig struct {
	// HideOnStart is a UI concern, ignored by the core.
	HideOnStart bool `json:"hideOnStart"`

	// ListenOn is a comma-separated list of host specs; the supervisor
	// splits it and creates one Agent per entry.
	ListenOn string `json:"listenOn"`

	LocalNameServer string `json:"localNameServer"`
	WorldNameServer string `json:"worldNameServer"`

	UseHTTPQuery bool `json:"useHttpQuery"`

	// QueryTimeout is in milliseconds, default 4000.
	QueryTimeout int `json:"queryTimeout"`

	CompressionMutation bool `json:"compressionMutation"`

	CacheResponse bool `json:"cacheResponse"`
	// CacheAge is a ceiling on cached TTL in seconds; 0 means "use record
	// TTL verbatim".
	CacheAge int `json:"cacheAge"`

	// NetworkWhitelist: nil disables the ACL, an empty (but non-nil) slice
	// denies every client, otherwise only clients contained by a listed
	// network are served.
	NetworkWhitelist []string `json:"networkWhitelist"`
}

// DefaultAppConfig returns the documented defaults for every option.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		ListenOn:      "127.0.0.1:53",
		QueryTimeout:  4000,
		CacheResponse: true,
	}
}

// QueryTimeoutDuration returns QueryTimeout as a time.Duration, defaulting
// to 4 seconds if unset.
func (c AppConfig) QueryTimeoutDuration() time.Duration {
	if c.QueryTimeout <= 0 {
		return 4 * time.Second
	}
	return time.Duration(c.QueryTimeout) * time.Millisecond
}

// ListenAddrs splits ListenOn into individual (address, port) host specs,
// defaulting the port to 53 when omitted.
func (c AppConfig) ListenAddrs() []string {
	var out []string
	for _, part := range strings.Split(c.ListenOn, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, normalizeHostPort(part, "53"))
	}
	return out
}

// normalizeHostPort appends defaultPort to spec if spec doesn't already
// carry an explicit port.
func normalizeHostPort(spec, defaultPort string) string {
	if strings.Contains(spec, "]:") { // [::1]:53
		return spec
	}
	if strings.HasPrefix(spec, "[") && !strings.Contains(spec, "]:") {
		return spec + ":" + defaultPort
	}
	if strings.Count(spec, ":") == 1 {
		return spec // host:port already
	}
	if strings.Contains(spec, ":") && !strings.Contains(spec, "]") {
		// Bare IPv6 literal with no brackets and no port.
		return "[" + spec + "]:" + defaultPort
	}
	return spec + ":" + defaultPort
}

// LoadAppConfig reads options.json from path. Per the external interface,
// the loader is tolerant: a missing file yields DefaultAppConfig(), and a
// parse error is logged and defaults are used rather than returned as a
// fatal error.
func LoadAppConfig(path string) AppConfig {
	def := DefaultAppConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			Log.Warn("failed to read app config, using defaults", "path", path, "error", err)
		}
		return def
	}
	cfg := def
	if err := json.Unmarshal(b, &cfg); err != nil {
		Log.Warn("failed to parse app config, using defaults", "path", path, "error", err)
		return def
	}
	return cfg
}

// ruleDocument mirrors one entry of rules.json.
type ruleDocument struct {
	Pattern             string `json:"pattern"`
	Address             string `json:"address"`
	NameServer          string `json:"nameServer"`
	UseHTTPQuery        *bool  `json:"useHttpQuery"`
	QueryTimeout        *int   `json:"queryTimeout"`
	CompressionMutation *bool  `json:"compressionMutation"`
	ForceAAAA           bool   `json:"forceAaaa"`
}

// LoadRuleList reads rules.json from path. A missing file or a parse error
// both yield an empty RuleList, per the external interface.
func LoadRuleList(path string) (*RuleList, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			Log.Warn("failed to read rule list, using empty list", "path", path, "error", err)
		}
		return NewRuleList(nil)
	}
	var docs []ruleDocument
	if err := json.Unmarshal(b, &docs); err != nil {
		Log.Warn("failed to parse rule list, using empty list", "path", path, "error", err)
		return NewRuleList(nil)
	}
	rules := make([]Rule, len(docs))
	for i, d := range docs {
		rules[i] = Rule{
			Pattern:             d.Pattern,
			Address:             d.Address,
			NameServer:          d.NameServer,
			UseHTTPQuery:        d.UseHTTPQuery,
			QueryTimeout:        d.QueryTimeout,
			CompressionMutation: d.CompressionMutation,
			ForceAAAA:           d.ForceAAAA,
		}
	}
	return NewRuleList(rules)
}
