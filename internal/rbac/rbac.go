package rbac

import (
	"sort"
	"strings"
)

type Role string
type Capability string

const (
	RoleDiretor    Role = "diretor"
	RoleAdmin      Role = "admin"
	RoleGerente    Role = "gerente"
	RoleCorretor   Role = "corretor"
	RoleAssistente Role = "assistente"
	RoleVisitante  Role = "visitante"
)

const (
	CapViewBoard       Capability = "view_board"
	CapMoveTask        Capability = "move_task"
	CapCreateTask      Capability = "create_task"
	CapEditTask        Capability = "edit_task"
	CapDeleteTask      Capability = "delete_task"
	CapConfigureStages Capability = "configure_stages"
	CapDeleteStage     Capability = "delete_stage"
)

// AllCapabilities lists every board capability in a stable order.
var AllCapabilities = []Capability{
	CapViewBoard,
	CapMoveTask,
	CapCreateTask,
	CapEditTask,
	CapDeleteTask,
	CapConfigureStages,
	CapDeleteStage,
}

// Policy maps roles to capability sets. The blanket roles (diretor, admin)
// are not stored in the table and always hold every capability.
type Policy struct {
	grants map[Role]map[Capability]struct{}
}

func NewPolicy(grants map[Role][]Capability) *Policy {
	p := &Policy{grants: make(map[Role]map[Capability]struct{}, len(grants))}
	for role, caps := range grants {
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		p.grants[role] = set
	}
	return p
}

func DefaultPolicy() *Policy {
	return NewPolicy(map[Role][]Capability{
		RoleGerente:    {CapViewBoard, CapMoveTask, CapCreateTask, CapEditTask, CapDeleteTask, CapConfigureStages},
		RoleCorretor:   {CapViewBoard, CapMoveTask, CapCreateTask, CapEditTask},
		RoleAssistente: {CapViewBoard, CapCreateTask, CapEditTask},
		RoleVisitante:  {CapViewBoard},
	})
}

func IsBlanket(role Role) bool {
	return role == RoleDiretor || role == RoleAdmin
}

func (p *Policy) Can(role Role, capability Capability) bool {
	if IsBlanket(role) {
		return true
	}
	if p == nil {
		return false
	}
	set, ok := p.grants[role]
	if !ok {
		return false
	}
	_, ok = set[capability]
	return ok
}

// Capabilities returns the capabilities held by role, in AllCapabilities order.
func (p *Policy) Capabilities(role Role) []Capability {
	out := make([]Capability, 0, len(AllCapabilities))
	for _, c := range AllCapabilities {
		if p.Can(role, c) {
			out = append(out, c)
		}
	}
	return out
}

// Roles returns the roles with an explicit entry in the table, sorted.
func (p *Policy) Roles() []Role {
	roles := make([]Role, 0, len(p.grants))
	for role := range p.grants {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func Normalize(role string) Role {
	return Role(strings.ToLower(strings.TrimSpace(role)))
}

func IsKnownCapability(c Capability) bool {
	for _, known := range AllCapabilities {
		if known == c {
			return true
		}
	}
	return false
}
