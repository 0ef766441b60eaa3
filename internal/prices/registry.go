package prices

import (
	"fmt"
	"strings"
)

// Registry maps asset codes to provider symbols.
type Registry struct {
	mappings map[string]string // asset -> provider symbol
}

// NewRegistry creates a registry with default mappings for the assets the
// orchestrator values.
func NewRegistry() *Registry {
	r := &Registry{
		mappings: make(map[string]string),
	}

	r.AddMapping("XRP", "XRPUSDT")
	r.AddMapping("FXRP", "XRPUSDT") // wrapped asset tracks the underlying
	r.AddMapping("FLR", "FLRUSDT")

	return r
}

// AddMapping adds an asset to provider symbol mapping.
func (r *Registry) AddMapping(asset, providerSymbol string) {
	r.mappings[strings.ToUpper(asset)] = strings.ToUpper(providerSymbol)
}

// GetProviderSymbol returns the provider symbol for an asset.
func (r *Registry) GetProviderSymbol(asset string) (string, error) {
	symbol, exists := r.mappings[strings.ToUpper(asset)]
	if !exists {
		return "", fmt.Errorf("no mapping found for asset: %s", asset)
	}
	return symbol, nil
}

// GetAllMappings returns all configured mappings.
func (r *Registry) GetAllMappings() map[string]string {
	result := make(map[string]string)
	for k, v := range r.mappings {
		result[k] = v
	}
	return result
}

// ValidateAsset checks if an asset has a price mapping.
func (r *Registry) ValidateAsset(asset string) bool {
	_, exists := r.mappings[strings.ToUpper(asset)]
	return exists
}
