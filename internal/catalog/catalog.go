package catalog

import (
	"context"
	"fmt"
	"maps"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/exposition"
	"github.com/triage-ai/palisade/services/tool_router/internal/prompt"
	"github.com/triage-ai/palisade/services/tool_router/internal/registry"
	"github.com/triage-ai/palisade/services/tool_router/internal/tool"
)

// Catalog holds the stores behind the served tools.
type Catalog struct {
	Projects *ProjectStore
	Carts    *CartStore

	mode exposition.Mode
	sep  string
}

// New creates a catalog whose prompts address tools in the given
// exposition.
func New(mode exposition.Mode, sep string) *Catalog {
	if sep == "" {
		sep = exposition.DefaultSeparator
	}
	return &Catalog{Projects: NewProjectStore(), Carts: NewCartStore(), mode: mode, sep: sep}
}

// Builders returns the catalog's tools.
func (c *Catalog) Builders() []*tool.Builder {
	return []*tool.Builder{Projects(c.Projects), Cart(c.Carts)}
}

// Register adds every catalog tool to reg.
func (c *Catalog) Register(reg *registry.Registry) error {
	for _, b := range c.Builders() {
		if err := reg.Register(b); err != nil {
			return fmt.Errorf("Register: %w", err)
		}
	}
	return nil
}

// call addresses one action under the catalog's exposition.
func (c *Catalog) call(toolName, action string, args map[string]any) (string, map[string]any) {
	if c.mode == exposition.Grouped {
		out := maps.Clone(args)
		if out == nil {
			out = map[string]any{}
		}
		out[tool.DefaultDiscriminator] = action
		return toolName, out
	}
	return exposition.FlatName(toolName, action, c.sep), args
}

func (c *Catalog) invoke(ctx context.Context, rc engine.Values, toolName, action string, args map[string]any) (engine.Response, error) {
	name, args := c.call(toolName, action, args)
	return prompt.InvokeTool(ctx, rc, name, args)
}

// Prompts returns the catalog's prompts.
func (c *Catalog) Prompts() (*prompt.Registry, error) {
	reg := prompt.NewRegistry()
	err := reg.Register(prompt.Prompt{
		Name:        "project_brief",
		Description: "Draft a short brief for one project.",
		Arguments:   []prompt.Argument{{Name: "project_id", Description: "Project to describe", Required: true}},
		Handler: func(ctx context.Context, rc engine.Values, args map[string]string) (prompt.Result, error) {
			resp, err := c.invoke(ctx, rc, "projects", "get", map[string]any{"id": args["project_id"]})
			if err != nil {
				return prompt.Result{}, err
			}
			if resp.IsError {
				return prompt.Result{}, fmt.Errorf("project %s: %s", args["project_id"], resp.Text())
			}
			return prompt.Result{
				Description: "Project brief",
				Messages: []prompt.Message{{
					Role: "user",
					Text: "Write a three-sentence brief for this project. Mention its purpose and status.\n\n" + resp.Text(),
				}},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	err = reg.Register(prompt.Prompt{
		Name:        "checkout_review",
		Description: "Review the current cart before checkout.",
		Arguments:   []prompt.Argument{{Name: "budget_cents", Description: "Spending limit in cents"}},
		Handler: func(ctx context.Context, rc engine.Values, args map[string]string) (prompt.Result, error) {
			resp, err := c.invoke(ctx, rc, "cart", "view", nil)
			if err != nil {
				return prompt.Result{}, err
			}
			text := "Review this cart and point out anything unusual before checkout.\n\n" + resp.Text()
			if b := args["budget_cents"]; b != "" {
				text += "\n\nThe budget is " + b + " cents; say whether the total fits."
			}
			return prompt.Result{Messages: []prompt.Message{{Role: "user", Text: text}}}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}
