package generate

import (
	"fmt"
	"strings"

	"git.home.luguber.info/inful/docgen/internal/canonical"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// BuildPrompt assembles the generation prompt from a frozen input. The
// concatenation order and map serialization are fixed so that identical
// inputs always produce byte-identical prompts.
func BuildPrompt(input *store.GenerationInput) (string, error) {
	config, err := canonical.Marshal(input.PromptConfig)
	if err != nil {
		return "", fmt.Errorf("serialize prompt config: %w", err)
	}
	data, err := canonical.Marshal(input.ClientData)
	if err != nil {
		return "", fmt.Errorf("serialize client data: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "section: %s\n", input.StructuralPath)
	fmt.Fprintf(&b, "config: %s\n", config)
	fmt.Fprintf(&b, "hierarchy: %s\n", input.HierarchyContext)
	fmt.Fprintf(&b, "data: %s\n", data)
	fmt.Fprintf(&b, "context: %s\n", input.SurroundingContext)
	return b.String(), nil
}
