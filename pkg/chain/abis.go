package chain

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	//go:embed abis/registry.json
	registryJSON []byte
	//go:embed abis/pkp_nft.json
	pkpNFTJSON []byte
	//go:embed abis/rate_limit_nft.json
	rateLimitNFTJSON []byte
)

// Contract ABIs.
var (
	RegistryABI     = mustABI("registry", registryJSON)
	PKPNFTABI       = mustABI("pkp nft", pkpNFTJSON)
	RateLimitNFTABI = mustABI("rate limit nft", rateLimitNFTJSON)
)

func mustABI(name string, data []byte) *abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		panic(fmt.Sprintf("chain: parse %s abi: %v", name, err))
	}
	return &parsed
}
