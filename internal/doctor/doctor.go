package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/vaultstream/internal/config"
	"github.com/basket/vaultstream/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes every diagnostic check and returns a combined report,
// following the teacher's doctor command's shape: a fixed list of
// independent checks, each producing one result, none aborting the rest.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkStorageRoot,
		checkDatabase,
		checkBotConfigs,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkStorageRoot(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Storage", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return CheckResult{Name: "Storage", Status: "FAIL", Message: fmt.Sprintf("storage_root unreachable: %v", err)}
	}
	testFile := filepath.Join(cfg.StorageRoot, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Storage", Status: "FAIL", Message: fmt.Sprintf("storage_root unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Storage", Status: "PASS", Message: fmt.Sprintf("%s writable", cfg.StorageRoot)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListEnabledRules(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "connection and schema valid"}
}

func checkBotConfigs(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bot configs", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.BotConfigs) == 0 {
		return CheckResult{Name: "Bot configs", Status: "WARN", Message: "no bot_configs entries — distribution has nowhere to push"}
	}
	var bad []string
	for _, b := range cfg.BotConfigs {
		if !config.IsSupportedSinkPlatform(b.Platform) {
			bad = append(bad, b.Platform)
			continue
		}
		if b.Token == "" {
			bad = append(bad, b.DisplayName+" (no token)")
		}
	}
	if len(bad) > 0 {
		return CheckResult{Name: "Bot configs", Status: "WARN", Message: "some entries incomplete", Detail: fmt.Sprintf("%v", bad)}
	}
	return CheckResult{Name: "Bot configs", Status: "PASS", Message: fmt.Sprintf("%d bot config(s) configured", len(cfg.BotConfigs))}
}

// checkNetwork verifies DNS resolves for every distinct OneBot base_url
// host configured; Telegram's API host is checked unconditionally since
// every telegram BotConfigEntry talks to the same endpoint.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	hosts := map[string]bool{}
	for _, b := range cfg.BotConfigs {
		switch b.Platform {
		case "telegram":
			hosts["api.telegram.org"] = true
		case "onebot":
			if b.BaseURL == "" {
				continue
			}
			if u, err := url.Parse(b.BaseURL); err == nil && u.Hostname() != "" {
				hosts[u.Hostname()] = true
			}
		}
	}
	if len(hosts) == 0 {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "no configured sink hosts to check"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var ok, failed []string
	for host := range hosts {
		start := time.Now()
		if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", host, err))
			continue
		}
		ok = append(ok, fmt.Sprintf("%s (%dms)", host, time.Since(start).Milliseconds()))
	}
	if len(failed) > 0 {
		return CheckResult{Name: "Network", Status: "FAIL", Message: "DNS lookup failed for some sink hosts", Detail: fmt.Sprintf("ok=%v failed=%v", ok, failed)}
	}
	return CheckResult{Name: "Network", Status: "PASS", Message: fmt.Sprintf("resolved %d sink host(s)", len(ok)), Detail: fmt.Sprintf("%v", ok)}
}
