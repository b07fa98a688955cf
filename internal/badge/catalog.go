package badge

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
)

type catalogFile struct {
	Badges []domain.Badge `yaml:"badges"`
}

// LoadCatalog reads a YAML badge catalog from path.
func LoadCatalog(path string) ([]domain.Badge, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open badge catalog: %w", err)
	}
	defer f.Close()

	return DecodeCatalog(f)
}

func DecodeCatalog(r io.Reader) ([]domain.Badge, error) {
	var c catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode badge catalog: %w", err)
	}

	seen := make(map[string]bool, len(c.Badges))
	for i := range c.Badges {
		b := &c.Badges[i]
		if b.Rarity == "" {
			b.Rarity = domain.RarityCommon
		}
		if err := Validate(*b); err != nil {
			return nil, err
		}
		if seen[b.ID] {
			return nil, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("badge %s is listed twice", b.ID))
		}
		seen[b.ID] = true
	}

	return c.Badges, nil
}

// Validate rejects badges that could never be acquired or that carry a bad requirement.
func Validate(b domain.Badge) error {
	invalid := func(format string, args ...any) error {
		return errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("badge %q: "+format, append([]any{b.ID}, args...)...))
	}

	switch {
	case b.ID == "":
		return invalid("id is required")
	case b.Price < 0 || b.XPBonus < 0 || b.Threshold < 0:
		return invalid("price, xp bonus and threshold must not be negative")
	case !b.Purchasable() && b.Requirement == "":
		return invalid("needs a requirement or a price")
	}

	if b.Requirement != "" {
		if err := b.Requirement.Validate(); err != nil {
			return invalid("%v", err)
		}
	}

	switch b.Rarity {
	case domain.RarityCommon, domain.RarityRare, domain.RarityEpic, domain.RarityLegendary:
		return nil
	default:
		return invalid("unknown rarity %q", b.Rarity)
	}
}
