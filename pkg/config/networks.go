package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
)

//go:embed networks.yaml
var builtinNetworks []byte

// Network is one deployment target: a chain, its contracts and the
// execution network that runs tools.
type Network struct {
	Name                   string `yaml:"name" json:"name"`
	Local                  bool   `yaml:"local,omitempty" json:"local,omitempty"` // in-process registry and execution
	ChainID                int64  `yaml:"chain_id" json:"chain_id"`
	RPCURL                 string `yaml:"rpc_url,omitempty" json:"rpc_url,omitempty"`
	ExecutionURL           string `yaml:"execution_url,omitempty" json:"execution_url,omitempty"`
	RegistryAddress        string `yaml:"registry_address,omitempty" json:"registry_address,omitempty"`
	PKPNFTAddress          string `yaml:"pkp_nft_address,omitempty" json:"pkp_nft_address,omitempty"`
	RateLimitNFTAddress    string `yaml:"rate_limit_nft_address,omitempty" json:"rate_limit_nft_address,omitempty"`
	RequiresCapacityCredit bool   `yaml:"requires_capacity_credit" json:"requires_capacity_credit"`
}

// Contracts are the parsed contract addresses of a remote network.
type Contracts struct {
	Registry     common.Address
	PKPNFT       common.Address
	RateLimitNFT common.Address
}

type networksDoc struct {
	Networks []Network `yaml:"networks"`
}

// LoadNetworks returns the built-in profiles, overlaid with the profiles in
// path when it is non-empty. A profile in path replaces the built-in profile
// of the same name.
func LoadNetworks(path string) (map[string]*Network, error) {
	out := make(map[string]*Network)
	if err := mergeNetworks(out, builtinNetworks, "builtin"); err != nil {
		return nil, err
	}
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load networks %q: %w", path, err)
	}
	if err := mergeNetworks(out, data, path); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeNetworks(into map[string]*Network, data []byte, source string) error {
	var doc networksDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse networks %s: %w", source, err)
	}
	for i := range doc.Networks {
		n := doc.Networks[i]
		if n.Name == "" {
			return fmt.Errorf("parse networks %s: entry %d has no name", source, i)
		}
		into[n.Name] = &n
	}
	return nil
}

// Validate checks the profile carries what a remote deployment needs.
func (n *Network) Validate() error {
	if n.Local {
		return nil
	}
	missing := func(what string) error {
		return fmt.Errorf("config: network %q has no %s", n.Name, what)
	}
	if n.RPCURL == "" {
		return missing("rpc_url")
	}
	if n.ExecutionURL == "" {
		return missing("execution_url")
	}
	if n.RegistryAddress == "" {
		return missing("registry_address")
	}
	if n.PKPNFTAddress == "" {
		return missing("pkp_nft_address")
	}
	if n.RequiresCapacityCredit && n.RateLimitNFTAddress == "" {
		return missing("rate_limit_nft_address")
	}
	return nil
}

// Contracts parses the profile's contract addresses.
func (n *Network) Contracts() (Contracts, error) {
	if err := n.Validate(); err != nil {
		return Contracts{}, err
	}
	var c Contracts
	var err error
	if c.Registry, err = pkp.ParseAddress(n.RegistryAddress); err != nil {
		return Contracts{}, fmt.Errorf("config: network %q registry: %w", n.Name, err)
	}
	if c.PKPNFT, err = pkp.ParseAddress(n.PKPNFTAddress); err != nil {
		return Contracts{}, fmt.Errorf("config: network %q pkp nft: %w", n.Name, err)
	}
	if n.RateLimitNFTAddress != "" {
		if c.RateLimitNFT, err = pkp.ParseAddress(n.RateLimitNFTAddress); err != nil {
			return Contracts{}, fmt.Errorf("config: network %q rate limit nft: %w", n.Name, err)
		}
	}
	return c, nil
}
