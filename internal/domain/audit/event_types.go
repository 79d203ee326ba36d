package audit

// EntityType identifies the kind of aggregate an event was recorded against
type EntityType string

const (
	EntityCycle           EntityType = "testing_cycle"
	EntityControl         EntityType = "control"
	EntityAssignment      EntityType = "control_assignment"
	EntityEvidenceRequest EntityType = "evidence_request"
	EntityTestExecution   EntityType = "test_execution"
	EntityFinding         EntityType = "finding"
)

// String returns the string representation of the entity type
func (t EntityType) String() string {
	return string(t)
}

// Action is the verb recorded by an audit event
type Action string

const (
	// Cycle and catalog
	ActionCycleCreated        Action = "cycle_created"
	ActionCycleTransitioned   Action = "cycle_transitioned"
	ActionCycleArchived       Action = "cycle_archived"
	ActionControlRegistered   Action = "control_registered"
	ActionControlAddedToCycle Action = "control_added_to_cycle"

	// Assignment
	ActionAssignmentCreated      Action = "assignment_created"
	ActionAssignmentTransitioned Action = "assignment_transitioned"
	ActionAssignmentReassigned   Action = "assignment_reassigned"
	ActionAssignmentBlocked      Action = "assignment_blocked"
	ActionAssignmentUnblocked    Action = "assignment_unblocked"

	// Evidence
	ActionRequestCreated      Action = "evidence_request_created"
	ActionRequestAcknowledged Action = "evidence_request_acknowledged"
	ActionEvidenceSubmitted   Action = "evidence_submitted"
	ActionRequestCancelled    Action = "evidence_request_cancelled"
	ActionRequestOverdue      Action = "evidence_request_overdue"
	ActionRequestEscalated    Action = "evidence_request_escalated"

	// Test execution
	ActionMethodologyDefined   Action = "methodology_defined"
	ActionSampleSelected       Action = "sample_selected"
	ActionItemConcluded        Action = "item_concluded"
	ActionExecutionFinalized   Action = "execution_finalized"
	ActionExecutionSubmitted   Action = "execution_submitted_for_review"
	ActionExecutionApproved    Action = "execution_approved"
	ActionConclusionOverridden Action = "conclusion_overridden"

	// Finding
	ActionFindingCreated       Action = "finding_created"
	ActionFindingUpdated       Action = "finding_updated"
	ActionRemediationAdded     Action = "remediation_added"
	ActionRemediationCompleted Action = "remediation_completed"
	ActionRemediationOverdue   Action = "remediation_overdue"
	ActionRemediationEscalated Action = "remediation_escalated"
	ActionRootCauseSet         Action = "root_cause_set"
	ActionFollowUpScheduled    Action = "follow_up_scheduled"
	ActionFollowUpRecorded     Action = "follow_up_recorded"
	ActionFindingClosed        Action = "finding_closed"
	ActionFindingWithdrawn     Action = "finding_withdrawn"

	// Access control
	ActionPermissionDenied Action = "permission_denied"
)

// String returns the string representation of the action
func (a Action) String() string {
	return string(a)
}

// Result records whether the attempted action took effect
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
)

func isValidResult(r Result) bool {
	return r == ResultSuccess || r == ResultDenied
}

func validateEntityType(t EntityType) bool {
	switch t {
	case EntityCycle, EntityControl, EntityAssignment, EntityEvidenceRequest,
		EntityTestExecution, EntityFinding:
		return true
	}
	return false
}
