package main

import (
	"fmt"
	"strings"

	"webbook/internal/card"
	"webbook/pkg/models"
)

// parseVisibility parses the --visibility flag: "everyone", "nobody", or
// "allowlist:id1,id2".
func parseVisibility(raw string) (models.Visibility, error) {
	kind, rest, _ := strings.Cut(raw, ":")
	switch models.VisibilityKind(kind) {
	case models.VisibilityEveryone:
		return models.Visibility{Kind: models.VisibilityEveryone}, nil
	case models.VisibilityNobody:
		return models.Visibility{Kind: models.VisibilityNobody}, nil
	case models.VisibilityAllowlist:
		if rest == "" {
			return models.Visibility{}, fmt.Errorf("allowlist visibility requires at least one contact id")
		}
		return models.Visibility{Kind: models.VisibilityAllowlist, Allowlist: strings.Split(rest, ",")}, nil
	default:
		return models.Visibility{}, fmt.Errorf("unknown visibility %q", raw)
	}
}

func verifyContactCard(contact models.Contact) error {
	return card.Verify(contact.Card)
}
