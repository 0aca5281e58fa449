package registry

import (
	"fmt"
	"time"
)

// ComponentType classifies a component's role in the system.
type ComponentType string

// Component type constants.
const (
	TypeManager   ComponentType = "manager"
	TypeHandler   ComponentType = "handler"
	TypeProcessor ComponentType = "processor"
	TypeService   ComponentType = "service"
)

// ComponentStatus tracks a component's lifecycle state.
type ComponentStatus string

// Component status constants.
const (
	StatusRegistered ComponentStatus = "registered"
	StatusActive     ComponentStatus = "active"
	StatusStopped    ComponentStatus = "stopped"
)

// Identifier is a component's logical address. Components are address-less
// apart from this identifier; all routing happens by subscription pattern
// against the tag it produces.
type Identifier struct {
	Name       string        `json:"name"`
	Type       ComponentType `json:"type"`
	Department string        `json:"department"`
	Role       string        `json:"role"`

	// InstanceID is assigned by the registry and is stable for the process
	// lifetime of a name. Two components with the same name resolve to the
	// same instance id.
	InstanceID string `json:"instance_id"`
}

// Tag returns the subscription tag for this identifier: name.role.instance_id.
func (id Identifier) Tag() string {
	return fmt.Sprintf("%s.%s.%s", id.Name, id.Role, id.InstanceID)
}

// Info holds the registry's record for one component.
type Info struct {
	Identifier   Identifier      `json:"identifier"`
	Dependencies []string        `json:"dependencies"`
	Dependents   []string        `json:"dependents"`
	Capabilities []string        `json:"capabilities"`
	Status       ComponentStatus `json:"status"`
	LastActive   time.Time       `json:"last_active"`
}
