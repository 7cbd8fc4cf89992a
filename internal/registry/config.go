package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one network: RPC endpoints plus the registry
// contract addresses deployed there.
type ChainDefinition struct {
	RPCURL             string   `yaml:"rpc_url"`
	WSURL              string   `yaml:"ws_url"`
	IdentityRegistry   string   `yaml:"identity_registry"`
	ReputationRegistry string   `yaml:"reputation_registry"`
	SkillMarkers       []string `yaml:"skill_markers"`
	Description        string   `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("read chain config: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("parse chain config: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Select returns the definition for the named network.
func (d ChainDefinitions) Select(network string) (ChainDefinition, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	if def, ok := d.Chains[network]; ok {
		if strings.TrimSpace(def.RPCURL) == "" {
			return ChainDefinition{}, fmt.Errorf("network %s has no rpc_url", network)
		}
		if strings.TrimSpace(def.IdentityRegistry) == "" {
			return ChainDefinition{}, fmt.Errorf("network %s has no identity_registry address", network)
		}
		return def, nil
	}
	known := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		known = append(known, name)
	}
	sort.Strings(known)
	return ChainDefinition{}, fmt.Errorf("unknown network %s (configured: %s)", network, strings.Join(known, ", "))
}
