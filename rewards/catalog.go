package rewards

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"

	"github.com/collectif/connect-ledger/ledger"
)

// CatalogFile is the on-disk catalog:
//
//	rewards:
//	  - title: "Café gratuit chez Le Procope"
//	    description: "Un espresso offert par notre partenaire."
//	    points_cost: 50
//	    required_tier: essential
type CatalogFile struct {
	Rewards []CatalogEntry `yaml:"rewards"`
}

type CatalogEntry struct {
	ID           string `yaml:"id"`
	Title        string `yaml:"title"`
	Description  string `yaml:"description"`
	PointsCost   int64  `yaml:"points_cost"`
	RequiredTier string `yaml:"required_tier"`
	Active       *bool  `yaml:"active"`
}

// LoadCatalogFile reads and validates a YAML catalog.
func LoadCatalogFile(path string) ([]ledger.Reward, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	rewards, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return rewards, nil
}

// ParseCatalog decodes a YAML catalog. Entries without id get one derived
// from their title. Ids must be unique.
func ParseCatalog(data []byte) ([]ledger.Reward, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	seen := make(map[ledger.RewardID]bool, len(file.Rewards))
	rewards := make([]ledger.Reward, 0, len(file.Rewards))
	for i, e := range file.Rewards {
		tier, err := ParseTier(e.RequiredTier)
		if err != nil {
			return nil, fmt.Errorf("reward %d: %w", i, err)
		}
		r, err := normalize(ledger.Reward{
			ID:           ledger.RewardID(e.ID),
			Title:        e.Title,
			Description:  e.Description,
			PointsCost:   e.PointsCost,
			RequiredTier: tier,
			Active:       e.Active == nil || *e.Active,
		})
		if err != nil {
			return nil, fmt.Errorf("reward %d: %w", i, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("reward %d: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		rewards = append(rewards, r)
	}
	return rewards, nil
}

// ParseTier accepts the English and French spellings used by partners.
func ParseTier(s string) (ledger.Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "essential", "essentiel":
		return ledger.TierEssential, nil
	case "privilege", "privilège":
		return ledger.TierPrivilege, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

func normalize(r ledger.Reward) (ledger.Reward, error) {
	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		return r, errors.New("title is required")
	}
	if r.PointsCost <= 0 {
		return r, fmt.Errorf("points cost of %q must be positive", r.Title)
	}
	if r.RequiredTier == "" {
		r.RequiredTier = ledger.TierEssential
	}
	if !r.RequiredTier.Valid() {
		return r, fmt.Errorf("unknown tier %q", r.RequiredTier)
	}
	if strings.TrimSpace(string(r.ID)) == "" {
		r.ID = ledger.RewardID(slug.Make(r.Title))
	}
	return r, nil
}
