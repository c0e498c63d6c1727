package policy

// Action is the outcome kind of a stage evaluation.
type Action string

const (
	ActionAccept     Action = "accept"
	ActionReject     Action = "reject"
	ActionQuarantine Action = "quarantine"
)

// Modification is a header to add to the accepted message.
type Modification struct {
	Header string
	Value  string
}

// Decision is the outcome of evaluating one stage. For rejects, Code and
// Message are suitable for direct relay to the MTA; a zero Code leaves the
// wire code to the bridge's default. Modifications are only set on accepted
// data stages.
type Decision struct {
	Action        Action
	Code          int
	Message       string
	Modifications []Modification
}

// Accept is the plain accepting decision.
var Accept = Decision{Action: ActionAccept}

// Reject returns a rejecting decision with an SMTP code and message.
func Reject(code int, message string) Decision {
	return Decision{Action: ActionReject, Code: code, Message: message}
}

// Quarantine is the quarantining decision for the data stage.
var Quarantine = Decision{Action: ActionQuarantine}
