package chain

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/servibot/servibot/internal/models"
)

// rulesFile is the YAML shape of a chain-rule configuration file.
type rulesFile struct {
	Rules []models.ChainRule `yaml:"rules"`
}

// LoadRules reads chain activation rules from a YAML file. Rules with an
// empty id or no terms are rejected so a typo in the config fails loudly at
// startup instead of silently never activating.
func LoadRules(path string) ([]models.ChainRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain rules file: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse chain rules file %s: %w", path, err)
	}

	for i, rule := range file.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("chain rule at index %d has no id", i)
		}
		if len(rule.Terms) == 0 {
			return nil, fmt.Errorf("chain rule %s has no terms", rule.ID)
		}
		for _, s := range rule.Stages {
			if !models.IsValidStage(s) {
				return nil, fmt.Errorf("chain rule %s references unknown stage %q", rule.ID, s)
			}
		}
	}

	slog.Info("Loaded chain activation rules", "path", path, "count", len(file.Rules))
	return file.Rules, nil
}
