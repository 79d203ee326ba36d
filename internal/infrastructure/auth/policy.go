package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

// Roles understood by the default policy
const (
	RoleAdmin            = "admin"
	RoleManager          = "audit_manager"
	RoleAuditor          = "auditor"
	RoleReviewer         = "reviewer"
	RoleEvidenceProvider = "evidence_provider"
	RoleControlOwner     = "control_owner"
)

// Grant is one permission held by a role. OwnerOnly restricts it to targets
// the actor is responsible for.
type Grant struct {
	Resource  workflow.Resource
	Actions   []string
	OwnerOnly bool
}

type grantKey struct {
	resource workflow.Resource
	action   string
}

var _ workflow.Authorizer = (*RolePolicy)(nil)

// RolePolicy maps roles to grants. An actor is permitted when any of its
// roles holds a matching grant.
type RolePolicy struct {
	grants map[string]map[grantKey]bool // role -> key -> ownerOnly
	logger *zap.Logger
}

func NewRolePolicy(roles map[string][]Grant, logger *zap.Logger) *RolePolicy {
	p := &RolePolicy{grants: make(map[string]map[grantKey]bool, len(roles)), logger: logger}
	for role, grants := range roles {
		keys := make(map[grantKey]bool)
		for _, g := range grants {
			for _, action := range g.Actions {
				k := grantKey{resource: g.Resource, action: action}
				// an unrestricted grant wins over a restricted one
				if ownerOnly, ok := keys[k]; ok && !ownerOnly {
					continue
				}
				keys[k] = g.OwnerOnly
			}
		}
		p.grants[role] = keys
	}
	return p
}

// DefaultRolePolicy returns the grants of a typical SOX/ISO testing team
func DefaultRolePolicy(logger *zap.Logger) *RolePolicy {
	all := func(r workflow.Resource, actions ...string) Grant { return Grant{Resource: r, Actions: actions} }
	owned := func(r workflow.Resource, actions ...string) Grant {
		return Grant{Resource: r, Actions: actions, OwnerOnly: true}
	}

	return NewRolePolicy(map[string][]Grant{
		RoleManager: {
			all(workflow.ResourceCycle, workflow.PermCreate, workflow.PermTransition, workflow.PermArchive, workflow.PermAddControl),
			all(workflow.ResourceControl, workflow.PermRegister),
			all(workflow.ResourceAssignment, workflow.PermCreate, workflow.PermTransition, workflow.PermReassign),
			all(workflow.ResourceEvidenceRequest, workflow.PermCreate, workflow.PermCancel, workflow.PermEscalate),
			all(workflow.ResourceTestExecution, workflow.PermApprove, workflow.PermOverride),
			all(workflow.ResourceFinding, workflow.PermAddActivity, workflow.PermSetRootCause,
				workflow.PermFollowUp, workflow.PermClose, workflow.PermWithdraw),
		},
		RoleAuditor: {
			owned(workflow.ResourceAssignment, workflow.PermTransition),
			owned(workflow.ResourceEvidenceRequest, workflow.PermCreate, workflow.PermCancel),
			owned(workflow.ResourceTestExecution, workflow.PermDefine, workflow.PermSelectSample,
				workflow.PermRecordConclusion, workflow.PermFinalize, workflow.PermSubmitForReview),
			all(workflow.ResourceFinding, workflow.PermAddActivity, workflow.PermSetRootCause, workflow.PermFollowUp),
		},
		RoleReviewer: {
			all(workflow.ResourceAssignment, workflow.PermTransition),
			all(workflow.ResourceTestExecution, workflow.PermApprove, workflow.PermOverride),
			all(workflow.ResourceFinding, workflow.PermClose),
		},
		RoleEvidenceProvider: {
			owned(workflow.ResourceEvidenceRequest, workflow.PermAcknowledge, workflow.PermSubmit),
		},
		RoleControlOwner: {
			owned(workflow.ResourceFinding, workflow.PermCompleteActivity),
		},
		workflow.RoleSystem: {
			all(workflow.ResourceEvidenceRequest, workflow.PermEscalate),
		},
	}, logger)
}

// HasPermission implements workflow.Authorizer
func (p *RolePolicy) HasPermission(_ context.Context, actor workflow.Actor, resource workflow.Resource, action string, scope workflow.Scope) bool {
	if actor.HasRole(RoleAdmin) {
		return true
	}
	k := grantKey{resource: resource, action: action}
	for _, role := range actor.Roles {
		ownerOnly, ok := p.grants[role][k]
		if !ok {
			continue
		}
		if !ownerOnly || scope.Owner {
			return true
		}
	}
	if p.logger != nil {
		p.logger.Debug("permission denied",
			zap.String("actor", actor.ID),
			zap.Strings("roles", actor.Roles),
			zap.String("resource", string(resource)),
			zap.String("action", action),
			zap.String("entity_id", scope.EntityID),
			zap.Bool("owner", scope.Owner))
	}
	return false
}
