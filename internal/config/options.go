package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Filter option names. These are the init-parameter names of the original
// servlet filter; they are accepted verbatim under the filter_options YAML
// key so existing deployments can be moved over without renaming anything.
const (
	OptSnapshotService               = "snapshotService"
	OptSnapshotServiceURL            = "snapshotServiceUrl"
	OptSnapshotServiceToken          = "snapshotServiceToken"
	OptSnapshotServiceTokenProvider  = "snapshotServiceTokenProvider"
	OptSnapshotServiceTokenFile      = "snapshotServiceTokenFile"
	OptSnapshotServiceOptions        = "snapshotServiceOptions"
	OptCrawlerUserAgents             = "crawlerUserAgents"
	OptExtensionsToIgnore            = "extensionsToIgnore"
	OptWhitelist                     = "whitelist"
	OptBlacklist                     = "blacklist"
	OptLoggingLevel                  = "loggingLevel"
	OptForwardRequestsUsingLocalPort = "forwardRequestsUsingLocalPort"
	OptSeoFilterEventHandler         = "seoFilterEventHandler"
)

// ApplyFilterOptions overlays filter options onto cfg. List options are
// comma-separated; crawlerUserAgents and extensionsToIgnore extend the
// current lists, whitelist and blacklist replace them. Unknown names,
// unparseable booleans and unknown levels are errors. The result still has
// to pass Validate.
func ApplyFilterOptions(cfg *Config, opts map[string]string) error {
	// Deterministic order keeps error messages stable.
	names := make([]string, 0, len(opts))
	for name := range opts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := applyFilterOption(cfg, name, opts[name]); err != nil {
			return err
		}
	}
	cfg.normalize()
	return nil
}

func applyFilterOption(cfg *Config, name, value string) error {
	switch name {
	case OptSnapshotService:
		cfg.Snapshot.Service = ProviderName(value)
	case OptSnapshotServiceURL:
		cfg.Snapshot.ServiceURL = strings.TrimSpace(value)
	case OptSnapshotServiceToken:
		cfg.Snapshot.ServiceToken = RedactedString(value)
	case OptSnapshotServiceTokenProvider:
		cfg.Snapshot.TokenProvider = TokenSource(value)
	case OptSnapshotServiceTokenFile:
		cfg.Snapshot.TokenFile = strings.TrimSpace(value)
	case OptSnapshotServiceOptions:
		cfg.Snapshot.ServiceOptions = value
	case OptCrawlerUserAgents:
		cfg.Rules.CrawlerUserAgents = append(cfg.Rules.CrawlerUserAgents, splitList(value)...)
	case OptExtensionsToIgnore:
		cfg.Rules.ExtensionsToIgnore = append(cfg.Rules.ExtensionsToIgnore, splitList(value)...)
	case OptWhitelist:
		cfg.Rules.Whitelist = splitList(value)
	case OptBlacklist:
		cfg.Rules.Blacklist = splitList(value)
	case OptLoggingLevel:
		lvl, err := ParseLogLevel(value)
		if err != nil {
			return fmt.Errorf("unable to parse %q option: %w", name, err)
		}
		cfg.Logging.DecisionLevel = lvl
	case OptForwardRequestsUsingLocalPort:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("unable to parse %q option: %w", name, err)
		}
		cfg.Snapshot.ForwardRequestsUsingLocalPort = b
	case OptSeoFilterEventHandler:
		cfg.Hooks.EventHandler = HookName(value)
	default:
		return fmt.Errorf("unknown filter option %q", name)
	}
	return nil
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return trimList(strings.Split(s, ","))
}

// ParseLogLevel accepts slog level names and the java.util.logging names
// used by older deployments (FINEST, FINER, FINE, CONFIG, INFO, WARNING,
// SEVERE). Matching is case-insensitive.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "FINEST", "FINER", "FINE", "CONFIG", "ALL":
		return LogLevelDebug, nil
	case "INFO":
		return LogLevelInfo, nil
	case "WARN", "WARNING":
		return LogLevelWarn, nil
	case "ERROR", "SEVERE":
		return LogLevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}
