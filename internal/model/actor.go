package model

// Actor identifies who performed a mutation. UserID is empty for system
// actions.
type Actor struct {
	UserID string
	Role   string
}

// Recognised actor roles.
const (
	RoleClient     = "client"
	RoleBookkeeper = "bookkeeper"
	RoleTaxAgent   = "tax_agent"
	RoleAdmin      = "admin"
	RoleSystem     = "system"
)

// System is the actor for automated mutations.
var System = Actor{Role: RoleSystem}
