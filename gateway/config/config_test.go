package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearLimiterEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"CONFIG_IP_LIMITER_BUCKET_SIZE",
		"CONFIG_IP_LIMITER_REFILL_RATE",
		"CONFIG_STAKE_LIMITER_EPOCH",
		"CONFIG_STAKE_LIMITER_CACHE_AGE",
		"CONFIG_STAKE_LIMITER_TOKEN_RATIO",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearLimiterEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Limiter.Kind != LimiterStake {
		t.Fatalf("expected stake limiter by default, got %q", cfg.Limiter.Kind)
	}
	if cfg.Limiter.IP.BucketSize != 15 || cfg.Limiter.IP.RefillRate != 1 {
		t.Fatalf("unexpected ip limiter defaults %+v", cfg.Limiter.IP)
	}
	if cfg.Limiter.Stake.StakeEpoch() != 800*time.Second || cfg.Limiter.Stake.MaxCacheAge() != 600*time.Second {
		t.Fatalf("unexpected stake limiter defaults %+v", cfg.Limiter.Stake)
	}
	if len(cfg.Admission.Subnets) != 0 {
		t.Fatalf("expected no subnet whitelist by default")
	}
}

func TestLoadYAML(t *testing.T) {
	clearLimiterEnv(t)
	path := writeConfig(t, "modulegate.yaml", strings.Join([]string{
		"listen: 127.0.0.1:9000",
		"chain:",
		"  endpoint: wss://node.example:9944",
		"admission:",
		"  staleness: 30s",
		"  subnets: [0, 7]",
		"lists:",
		"  blacklist: [5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY]",
		"limiter:",
		"  kind: IP",
		"  ip:",
		"    bucketSize: 30",
		"",
	}, "\n"))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9000" || cfg.Admission.Staleness != 30*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Admission.Subnets) != 2 || cfg.Admission.Subnets[1] != 7 {
		t.Fatalf("unexpected subnets %v", cfg.Admission.Subnets)
	}
	if cfg.Limiter.Kind != LimiterIP || cfg.Limiter.IP.BucketSize != 30 || cfg.Limiter.IP.RefillRate != 1 {
		t.Fatalf("unexpected limiter %+v", cfg.Limiter)
	}
}

func TestLoadTOML(t *testing.T) {
	clearLimiterEnv(t)
	path := writeConfig(t, "modulegate.toml", strings.Join([]string{
		`listen = ":7000"`,
		`[chain]`,
		`snapshot = "/var/lib/modulegate/chain.yaml"`,
		`[admission]`,
		`staleness = "45s"`,
		`subnets = [3]`,
		`[limiter.stake]`,
		`tokenRatio = 2.0`,
		"",
	}, "\n"))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":7000" || cfg.Admission.Staleness != 45*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Limiter.Stake.TokenRatio != 2 || cfg.Limiter.Stake.Epoch != 800 {
		t.Fatalf("unexpected stake limiter %+v", cfg.Limiter.Stake)
	}
}

func TestEnvOverridesLimiterParams(t *testing.T) {
	clearLimiterEnv(t)
	t.Setenv("CONFIG_IP_LIMITER_BUCKET_SIZE", "200")
	t.Setenv("CONFIG_IP_LIMITER_REFILL_RATE", "15")
	t.Setenv("CONFIG_STAKE_LIMITER_EPOCH", "400")
	t.Setenv("CONFIG_STAKE_LIMITER_CACHE_AGE", "60")
	t.Setenv("CONFIG_STAKE_LIMITER_TOKEN_RATIO", "3")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Limiter.IP.BucketSize != 200 || cfg.Limiter.IP.RefillRate != 15 {
		t.Fatalf("ip overrides not applied: %+v", cfg.Limiter.IP)
	}
	if cfg.Limiter.Stake.Epoch != 400 || cfg.Limiter.Stake.CacheAge != 60 || cfg.Limiter.Stake.TokenRatio != 3 {
		t.Fatalf("stake overrides not applied: %+v", cfg.Limiter.Stake)
	}

	t.Setenv("CONFIG_STAKE_LIMITER_EPOCH", "soon")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected malformed override to fail")
	}
}

func TestValidateRejections(t *testing.T) {
	clearLimiterEnv(t)
	cases := map[string]string{
		"unknown field":       "listen: :1\nbogus: true\n",
		"subnets need chain":  "admission:\n  subnets: [1]\n",
		"bad limiter":         "limiter:\n  kind: leaky\n",
		"low token ratio":     "limiter:\n  stake:\n    tokenRatio: 0.25\n",
		"ttl bounds":          "admission:\n  identityMinTTL: 5m\n  identityMaxTTL: 1m\n",
		"chain scheme":        "chain:\n  endpoint: ftp://node\n",
		"two chain sources":   "chain:\n  endpoint: http://node\n  snapshot: chain.yaml\n",
		"tls not served":      "security:\n  tlsCertFile: cert.pem\n",
		"two key sources":     "key:\n  file: a.json\n  keystore: b.json\n",
		"zero ip bucket":      "limiter:\n  kind: ip\n  ip:\n    bucketSize: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, "c.yaml", content)); err == nil {
				t.Fatalf("expected load to fail")
			}
		})
	}
}
