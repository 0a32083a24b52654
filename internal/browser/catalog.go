package browser

import (
	"github.com/xkilldash9x/replaykit/api/schemas"
)

// Catalog is the slice-backed tool catalog for the browser executor.
// Definition order is stable and matches presentation order in prompts.
type Catalog struct {
	defs  []schemas.ToolDefinition
	index map[string]schemas.ToolDefinition
}

// NewCatalog describes the browser tool set. The solve_captcha entry is
// non-cacheable on purpose: a recorded captcha answer is worthless on
// replay, the live agent must solve it fresh every time.
func NewCatalog() *Catalog {
	defs := []schemas.ToolDefinition{
		{
			Name:        "navigate",
			Description: "Open a URL in the browser. Arguments: url (string).",
			Cacheable:   true,
		},
		{
			Name:                 "click",
			Description:          "Click at viewport coordinates. Arguments: x (number), y (number).",
			Cacheable:            true,
			InteractionSensitive: true,
			CoordinateKeys:       []string{"x", "y"},
		},
		{
			Name:                 "type_text",
			Description:          "Type text into the focused element. Arguments: text (string).",
			Cacheable:            true,
			InteractionSensitive: true,
		},
		{
			Name:        "wait",
			Description: "Pause before the next action. Arguments: milliseconds (number, max 60000).",
			Cacheable:   true,
		},
		{
			Name:        "screenshot",
			Description: "Capture the current viewport. No arguments.",
			Cacheable:   true,
		},
		{
			Name:        "solve_captcha",
			Description: "Solve a captcha challenge visible on screen. Arguments: answer (string).",
			Cacheable:   false,
		},
	}
	index := make(map[string]schemas.ToolDefinition, len(defs))
	for _, d := range defs {
		index[d.Name] = d
	}
	return &Catalog{defs: defs, index: index}
}

var _ schemas.ToolCatalog = (*Catalog)(nil)

func (c *Catalog) IsCacheable(name string) bool {
	d, ok := c.index[name]
	return ok && d.Cacheable
}

func (c *Catalog) Definition(name string) (schemas.ToolDefinition, bool) {
	d, ok := c.index[name]
	return d, ok
}

func (c *Catalog) Definitions() []schemas.ToolDefinition {
	out := make([]schemas.ToolDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}
