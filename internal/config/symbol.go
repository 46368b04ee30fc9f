package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"marketfeed/internal/model"
)

// KnownVenues lists every venue the core understands. Symbol-config
// mappings naming any other venue are a configuration error.
var KnownVenues = map[string]bool{
	"bitfinex": true,
	"coinbase": true,
	"bitmex":   true,
	"kraken":   true,
}

// symbolFile mirrors the on-disk JSON schema from spec.md section 6.
type symbolFile struct {
	Symbol  string            `json:"symbol"`
	Mapping map[string]string `json:"mapping"`
}

// LoadSymbolConfig reads and validates the symbol-mapping configuration
// file, filtering the mapping down to the requested set of exchanges
// (case-insensitive). An empty resulting mapping, an unknown venue name, or
// missing symbol are configuration errors.
func LoadSymbolConfig(path string, exchanges []string, depth int) (model.GeneralSymbolDescription, error) {
	var desc model.GeneralSymbolDescription

	data, err := os.ReadFile(path)
	if err != nil {
		return desc, fmt.Errorf("read symbol config: %w", err)
	}

	var raw symbolFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return desc, fmt.Errorf("parse symbol config: %w", err)
	}
	if strings.TrimSpace(raw.Symbol) == "" {
		return desc, fmt.Errorf("symbol config: \"symbol\" is required")
	}

	wanted := make(map[string]bool, len(exchanges))
	for _, e := range exchanges {
		wanted[strings.ToLower(strings.TrimSpace(e))] = true
	}

	filtered := make(map[string]string)
	for venue, sym := range raw.Mapping {
		lv := strings.ToLower(strings.TrimSpace(venue))
		if !KnownVenues[lv] {
			return desc, fmt.Errorf("symbol config: unknown venue %q", venue)
		}
		if len(wanted) > 0 && !wanted[lv] {
			continue
		}
		if strings.TrimSpace(sym) == "" {
			return desc, fmt.Errorf("symbol config: empty venue symbol for %q", venue)
		}
		filtered[lv] = sym
	}
	if len(filtered) == 0 {
		return desc, fmt.Errorf("symbol config: no venues left after filtering to %v", exchanges)
	}

	desc.Symbol = raw.Symbol
	desc.Mapping = filtered
	desc.Depth = depth
	return desc, nil
}

// ParseExchanges splits and normalises the --exchanges flag value. An empty
// input means "all known venues".
func ParseExchanges(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		out := make([]string, 0, len(KnownVenues))
		for v := range KnownVenues {
			out = append(out, v)
		}
		return out
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
