package ledger

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MintDefinitions models the structure of configs/mints.yaml.
type MintDefinitions struct {
	Mints map[string]MintDefinition `yaml:"mints"`
}

// MintDefinition describes a single payment denomination known to the mesh.
// TokenContract is only consulted by the EVM custody adapter.
type MintDefinition struct {
	Symbol        string `yaml:"symbol"`
	Decimals      int    `yaml:"decimals"`
	Mint          string `yaml:"mint"`
	TokenContract string `yaml:"token_contract"`
	Description   string `yaml:"description"`
}

// LoadMintDefinitions parses the YAML file containing mint metadata.
func LoadMintDefinitions(path string) (MintDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return MintDefinitions{Mints: map[string]MintDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return MintDefinitions{}, fmt.Errorf("读取代币配置失败: %w", err)
	}

	var defs MintDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return MintDefinitions{}, fmt.Errorf("解析代币配置失败: %w", err)
	}
	if defs.Mints == nil {
		defs.Mints = map[string]MintDefinition{}
	}
	return defs, nil
}
