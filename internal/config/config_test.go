package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCLIAppliesDefaultsAndRequiresPathFlags(t *testing.T) {
	_, err := ParseCLI([]string{})
	if err == nil {
		t.Fatal("expected an error when --dump-path and --symbol-config are missing")
	}

	cfg, err := ParseCLI([]string{"--dump-path", "/tmp/dump", "--symbol-config", "/tmp/sym.json"})
	if err != nil {
		t.Fatalf("ParseCLI: %v", err)
	}
	if cfg.DurationMin != 480 || cfg.Blocks != 1 || cfg.Depth != 10 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Exchanges) != len(KnownVenues) {
		t.Fatalf("expected default exchanges to cover all known venues, got %v", cfg.Exchanges)
	}
}

func TestParseCLIRejectsZeroDurationBlocksOrDepth(t *testing.T) {
	base := []string{"--dump-path", "/tmp/dump", "--symbol-config", "/tmp/sym.json"}
	cases := [][]string{
		append(append([]string{}, base...), "--duration", "0"),
		append(append([]string{}, base...), "--blocks", "0"),
		append(append([]string{}, base...), "--depth", "0"),
	}
	for _, args := range cases {
		if _, err := ParseCLI(args); err == nil {
			t.Errorf("expected an error for args %v", args)
		}
	}
}

func TestTotalRuntimeMultipliesDurationByBlocks(t *testing.T) {
	cfg := CLIConfig{DurationMin: 480, Blocks: 3}
	if got, want := cfg.TotalRuntime().Minutes(), float64(1440); got != want {
		t.Fatalf("TotalRuntime() = %v minutes, want %v", got, want)
	}
}

func TestParseExchangesDefaultsToAllKnownVenues(t *testing.T) {
	got := ParseExchanges("")
	if len(got) != len(KnownVenues) {
		t.Fatalf("expected %d venues, got %d", len(KnownVenues), len(got))
	}
}

func TestParseExchangesNormalisesCaseAndWhitespace(t *testing.T) {
	got := ParseExchanges(" Bitfinex, KRAKEN ,coinbase")
	want := map[string]bool{"bitfinex": true, "kraken": true, "coinbase": true}
	if len(got) != len(want) {
		t.Fatalf("got %v, want keys %v", got, want)
	}
	for _, v := range got {
		if !want[v] {
			t.Errorf("unexpected venue %q", v)
		}
	}
}

func writeSymbolConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "symbols.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write symbol config: %v", err)
	}
	return path
}

func TestLoadSymbolConfigFiltersToRequestedExchanges(t *testing.T) {
	path := writeSymbolConfig(t, `{
		"symbol": "BTCUSD",
		"mapping": {"bitfinex": "tBTCUSD", "coinbase": "BTC-USD", "kraken": "XBTUSD"}
	}`)

	desc, err := LoadSymbolConfig(path, []string{"bitfinex", "kraken"}, 10)
	if err != nil {
		t.Fatalf("LoadSymbolConfig: %v", err)
	}
	if len(desc.Mapping) != 2 {
		t.Fatalf("expected mapping filtered to 2 venues, got %+v", desc.Mapping)
	}
	if _, ok := desc.Mapping["coinbase"]; ok {
		t.Fatal("coinbase should have been filtered out")
	}
	if desc.Depth != 10 {
		t.Fatalf("expected depth to be carried through, got %d", desc.Depth)
	}
}

func TestLoadSymbolConfigRejectsUnknownVenue(t *testing.T) {
	path := writeSymbolConfig(t, `{"symbol": "BTCUSD", "mapping": {"deribit": "BTC-PERP"}}`)
	if _, err := LoadSymbolConfig(path, nil, 10); err == nil {
		t.Fatal("expected an error for an unknown venue")
	}
}

func TestLoadSymbolConfigRejectsEmptyResultAfterFiltering(t *testing.T) {
	path := writeSymbolConfig(t, `{"symbol": "BTCUSD", "mapping": {"bitfinex": "tBTCUSD"}}`)
	if _, err := LoadSymbolConfig(path, []string{"kraken"}, 10); err == nil {
		t.Fatal("expected an error when no venues survive filtering")
	}
}

func TestLoadRuntimeConfigReturnsDefaultsForEmptyPath(t *testing.T) {
	cfg, err := LoadRuntimeConfig("")
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.RateLimit.KrakenRequestsPerSecond != 1 {
		t.Fatalf("expected untouched defaults, got %+v", cfg)
	}
}

func TestLoadRuntimeConfigLayersYamlOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yml")
	body := "logging:\n  level: debug\nrate_limit:\n  kraken_requests_per_second: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write runtime config: %v", err)
	}

	cfg, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden log level, got %q", cfg.Logging.Level)
	}
	if cfg.RateLimit.KrakenRequestsPerSecond != 2 {
		t.Fatalf("expected overridden rate limit, got %v", cfg.RateLimit.KrakenRequestsPerSecond)
	}
	if cfg.HTTP.Timeout != Defaults().HTTP.Timeout {
		t.Fatalf("expected untouched HTTP defaults, got %+v", cfg.HTTP)
	}
}

func TestLoadRuntimeConfigRejectsS3EnabledWithoutBucket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yml")
	body := "storage:\n  s3:\n    enabled: true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write runtime config: %v", err)
	}
	if _, err := LoadRuntimeConfig(path); err == nil {
		t.Fatal("expected an error for S3 enabled without a bucket")
	}
}
