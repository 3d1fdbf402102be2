// Package catalog is the tool set served by tool-router-server: a project
// registry and a checkout workflow, plus prompts that drive them.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/schema"
	"github.com/triage-ai/palisade/services/tool_router/internal/tool"
)

// CodeProjectNotFound is returned for unknown or archived project ids.
const CodeProjectNotFound = "PROJECT_NOT_FOUND"

var errNameTaken = &engine.RecoverableError{
	Code:       "PROJECT_NAME_TAKEN",
	Message:    "a project with this name already exists",
	Suggestion: "Pick another name, or call the list action to find the existing project.",
}

// Project is one registered project.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Archived    bool      `json:"archived,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProjectStore keeps projects in memory, in creation order.
type ProjectStore struct {
	mu    sync.RWMutex
	byID  map[string]*Project
	order []string
	now   func() time.Time
}

// NewProjectStore creates an empty store.
func NewProjectStore() *ProjectStore {
	return &ProjectStore{byID: map[string]*Project{}, now: time.Now}
}

func (s *ProjectStore) list(includeArchived bool) []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Project, 0, len(s.order))
	for _, id := range s.order {
		p := s.byID[id]
		if p.Archived && !includeArchived {
			continue
		}
		out = append(out, *p)
	}
	return out
}

func (s *ProjectStore) get(id string) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return Project{}, false
	}
	return *p, true
}

func (s *ProjectStore) create(name, description string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byID {
		if strings.EqualFold(p.Name, name) && !p.Archived {
			return Project{}, errNameTaken
		}
	}
	now := s.now().UTC()
	p := &Project{ID: uuid.NewString(), Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	s.byID[p.ID] = p
	s.order = append(s.order, p.ID)
	return *p, nil
}

func (s *ProjectStore) update(id string, fn func(*Project)) (Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok || p.Archived {
		return Project{}, false
	}
	fn(p)
	p.UpdatedAt = s.now().UTC()
	return *p, true
}

func notFound(id string) engine.Response {
	return engine.ToolError(CodeProjectNotFound, engine.ToolErrorOptions{
		Message:          "no active project with id " + id,
		Suggestion:       "Call the list action to see valid project ids.",
		AvailableActions: []string{"list", "create"},
	})
}

func str(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// Projects builds the projects tool over store.
func Projects(store *ProjectStore) *tool.Builder {
	listLimit := 50
	return tool.New("projects").
		Description("Manage projects: list, inspect, create, rename and archive.").
		Tags("core", "projects").
		CacheControl("no-store").
		Concurrency(8, 32).
		EgressMaxBytes(64*1024).
		Action(tool.Action{
			Name:        "list",
			Description: "List projects, newest last.",
			ReadOnly:    true,
			Idempotent:  true,
			Params: map[string]any{
				"include_archived": schema.Param{Type: "boolean", Optional: true},
				"query":            schema.Param{Type: "string", Optional: true, Description: "Case-insensitive name filter"},
			},
			Presenter: &tool.Presenter{
				Name:           "ProjectList",
				Rules:          []string{"Show at most the first 50 projects.", "Refer to projects by name, not id."},
				AgentLimit:     &listLimit,
				SuggestActions: []string{"get", "create"},
			},
			Handler: engine.Direct(func(_ context.Context, _ engine.Values, args map[string]any) (engine.Response, error) {
				include, _ := args["include_archived"].(bool)
				query := strings.ToLower(str(args, "query"))
				projects := store.list(include)
				out := projects[:0]
				for _, p := range projects {
					if query == "" || strings.Contains(strings.ToLower(p.Name), query) {
						out = append(out, p)
					}
				}
				if len(out) > listLimit {
					out = out[:listLimit]
				}
				return engine.SuccessJSON(map[string]any{"projects": out, "count": len(out)}), nil
			}),
		}).
		Action(tool.Action{
			Name:        "get",
			Description: "Fetch one project by id.",
			ReadOnly:    true,
			Idempotent:  true,
			Params:      map[string]any{"id": "string"},
			Presenter:   &tool.Presenter{Name: "Project", SuggestActions: []string{"update", "archive"}},
			Handler: engine.Direct(func(_ context.Context, _ engine.Values, args map[string]any) (engine.Response, error) {
				p, ok := store.get(str(args, "id"))
				if !ok {
					return notFound(str(args, "id")), nil
				}
				return engine.SuccessJSON(p), nil
			}),
		}).
		Action(tool.Action{
			Name:        "create",
			Description: "Create a project.",
			Params: map[string]any{
				"name":        schema.Param{Type: "string", Regex: `^[A-Za-z0-9][A-Za-z0-9 _-]{0,63}$`},
				"description": schema.Param{Type: "string", Optional: true},
			},
			Handler: engine.Direct(func(_ context.Context, _ engine.Values, args map[string]any) (engine.Response, error) {
				p, err := store.create(str(args, "name"), str(args, "description"))
				if err != nil {
					return engine.Response{}, err
				}
				return engine.SuccessJSON(p), nil
			}),
		}).
		Action(tool.Action{
			Name:        "update",
			Description: "Rename a project or change its description.",
			Idempotent:  true,
			Params: map[string]any{
				"id":          "string",
				"name":        schema.Param{Type: "string", Optional: true, Regex: `^[A-Za-z0-9][A-Za-z0-9 _-]{0,63}$`},
				"description": schema.Param{Type: "string", Optional: true},
			},
			Handler: engine.Direct(func(_ context.Context, _ engine.Values, args map[string]any) (engine.Response, error) {
				id := str(args, "id")
				p, ok := store.update(id, func(p *Project) {
					if n := str(args, "name"); n != "" {
						p.Name = n
					}
					if d, present := args["description"]; present {
						p.Description, _ = d.(string)
					}
				})
				if !ok {
					return notFound(id), nil
				}
				return engine.SuccessJSON(p), nil
			}),
		}).
		Action(tool.Action{
			Name:        "archive",
			Description: "Archive a project. Archived projects are hidden and read-only.",
			Destructive: true,
			Idempotent:  true,
			Params:      map[string]any{"id": "string"},
			Handler: engine.Direct(func(_ context.Context, _ engine.Values, args map[string]any) (engine.Response, error) {
				id := str(args, "id")
				p, ok := store.update(id, func(p *Project) { p.Archived = true })
				if !ok {
					return notFound(id), nil
				}
				return engine.SuccessJSON(p), nil
			}),
		})
}

// Seed creates the named projects, skipping names already taken.
func (s *ProjectStore) Seed(names ...string) {
	for _, n := range names {
		_, _ = s.create(n, "")
	}
}

// Names returns the active project names, sorted.
func (s *ProjectStore) Names() []string {
	projects := s.list(false)
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
