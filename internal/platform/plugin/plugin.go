package plugin

import (
	"fmt"

	"github.com/labstack/echo/v4"
)

// Routes is implemented by every HTTP handler mounted under the API group.
type Routes interface {
	RegisterRoutes(api *echo.Group)
}

type module struct {
	name   string
	routes Routes
}

// Registry holds the modules served by the API, in registration order.
type Registry struct {
	modules []module
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a module. Names must be unique.
func (r *Registry) Register(name string, routes Routes) error {
	for _, m := range r.modules {
		if m.name == name {
			return fmt.Errorf("module %q already registered", name)
		}
	}
	r.modules = append(r.modules, module{name: name, routes: routes})
	return nil
}

// MustRegister is Register for static wiring.
func (r *Registry) MustRegister(name string, routes Routes) *Registry {
	if err := r.Register(name, routes); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) RegisterRoutes(api *echo.Group) {
	for _, m := range r.modules {
		m.routes.RegisterRoutes(api)
	}
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.modules))
	for i, m := range r.modules {
		names[i] = m.name
	}
	return names
}
