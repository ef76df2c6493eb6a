package events

// Tipos de agregado.
const (
	AggregateContact     = "contact"
	AggregateAccount     = "account"
	AggregateOpportunity = "opportunity"
	AggregateEmail       = "email"
	AggregateMeeting     = "meeting"
	AggregateSequence    = "sequence"
	AggregateEngagement  = "engagement"
)

// Tipos de evento. El tipo es también el nombre del topic.
const (
	ContactCreated = "contact.created"
	ContactUpdated = "contact.updated"
	ContactDeleted = "contact.deleted"

	AccountCreated = "account.created"
	AccountUpdated = "account.updated"
	AccountDeleted = "account.deleted"

	OpportunityCreated      = "opportunity.created"
	OpportunityUpdated      = "opportunity.updated"
	OpportunityStageChanged = "opportunity.stage_changed"
	OpportunityWon          = "opportunity.won"
	OpportunityLost         = "opportunity.lost"
	OpportunityDeleted      = "opportunity.deleted"

	EmailDrafted   = "email.drafted"
	EmailQueued    = "email.queued"
	EmailSent      = "email.sent"
	EmailDelivered = "email.delivered"
	EmailOpened    = "email.opened"
	EmailClicked   = "email.clicked"
	EmailReplied   = "email.replied"
	EmailBounced   = "email.bounced"
	EmailFailed    = "email.failed"

	MeetingProposed  = "meeting.proposed"
	MeetingConfirmed = "meeting.confirmed"
	MeetingCancelled = "meeting.cancelled"
	MeetingCompleted = "meeting.completed"
	MeetingNoShow    = "meeting.no_show"

	SequenceCreated          = "sequence.created"
	SequenceUpdated          = "sequence.updated"
	SequenceActivated        = "sequence.activated"
	SequencePaused           = "sequence.paused"
	SequenceContactEnrolled  = "sequence.contact_enrolled"
	SequenceContactCompleted = "sequence.contact_completed"
	SequenceContactExited    = "sequence.contact_exited"
	SequenceStepExecuted     = "sequence.step_executed"

	EngagementScoreUpdated = "engagement.score_updated"
	EngagementIntentSignal = "engagement.intent_signal_detected"
)

// Catalog devuelve todos los tipos de evento conocidos.
func Catalog() []string {
	return []string{
		ContactCreated, ContactUpdated, ContactDeleted,
		AccountCreated, AccountUpdated, AccountDeleted,
		OpportunityCreated, OpportunityUpdated, OpportunityStageChanged,
		OpportunityWon, OpportunityLost, OpportunityDeleted,
		EmailDrafted, EmailQueued, EmailSent, EmailDelivered, EmailOpened,
		EmailClicked, EmailReplied, EmailBounced, EmailFailed,
		MeetingProposed, MeetingConfirmed, MeetingCancelled, MeetingCompleted, MeetingNoShow,
		SequenceCreated, SequenceUpdated, SequenceActivated, SequencePaused,
		SequenceContactEnrolled, SequenceContactCompleted, SequenceContactExited, SequenceStepExecuted,
		EngagementScoreUpdated, EngagementIntentSignal,
	}
}

// Known indica si el tipo pertenece al catálogo.
func Known(eventType string) bool {
	for _, t := range Catalog() {
		if t == eventType {
			return true
		}
	}
	return false
}
