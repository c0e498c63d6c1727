package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/enaut/kommunikationszentrum/gatedb"
	"github.com/enaut/kommunikationszentrum/mlog"
	"github.com/enaut/kommunikationszentrum/smtp"
)

var xlog = mlog.New("policy")

var metricDecision = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kz_policy_decisions_total",
		Help: "Stage evaluations, per stage and resulting action.",
	},
	[]string{"stage", "action"},
)

// RedactedSubject replaces message subjects longer than maxSubjectSize bytes
// in the audit log. The only redacted audit field, see gatedb.MessageLogEntry.
const RedactedSubject = "[subject redacted]"

const maxSubjectSize = 100

// ProcessedByHeader is the value added as X-Processed-By on accepted messages.
const ProcessedByHeader = "kommunikationszentrum"

// Dispatch routes the event to the evaluator for its stage and returns the
// decision. The same evaluation performs the audit write: the returned
// decision and the logged action cannot diverge. Errors are storage errors;
// the decision is only valid when the error is nil.
func Dispatch(ctx context.Context, ev Event) (Decision, error) {
	var d Decision
	var err error
	switch ev.Context.Stage {
	case StageConnect:
		d, err = evalConnect(ctx, ev)
	case StageEhlo:
		d, err = evalEhlo(ctx, ev)
	case StageMail:
		d, err = evalMail(ctx, ev)
	case StageRcpt:
		d, err = evalRcpt(ctx, ev)
	case StageData:
		d, err = evalData(ctx, ev)
	case StageAuth:
		d, err = evalAuth(ctx, ev)
	default:
		// Cannot happen, ParseEvent validates the stage.
		return Decision{}, fmt.Errorf("%w: unknown stage %q", ErrParse, ev.Context.Stage)
	}
	if err != nil {
		return Decision{}, err
	}
	metricDecision.WithLabelValues(string(ev.Context.Stage), string(d.Action)).Inc()
	return d, nil
}

func evalConnect(ctx context.Context, ev Event) (Decision, error) {
	log := xlog.WithContext(ctx)
	ip := ev.Context.Client.IP

	blocked, err := gatedb.IPBlocked(ctx, ip)
	if err != nil {
		return Decision{}, err
	}

	e := gatedb.ConnectionLogEntry{ClientIP: ip, Stage: string(StageConnect), Timestamp: time.Now()}
	if blocked {
		log.Info("rejecting blocked connection", mlog.Field("ip", ip))
		e.Action = string(ActionReject)
		e.Details = "IP blocked"
		if err := gatedb.AddConnectionEntry(ctx, &e); err != nil {
			return Decision{}, err
		}
		// The connect stage has no stage-specific wire code, the bridge
		// applies its default.
		return Reject(0, "IP blocked"), nil
	}
	e.Action = string(ActionAccept)
	e.Details = "Connection accepted"
	if err := gatedb.AddConnectionEntry(ctx, &e); err != nil {
		return Decision{}, err
	}
	return Accept, nil
}

func evalEhlo(ctx context.Context, ev Event) (Decision, error) {
	helo := ev.Context.Client.Helo
	valid := helo != ""

	e := gatedb.ConnectionLogEntry{ClientIP: ev.Context.Client.IP, Stage: string(StageEhlo), Timestamp: time.Now()}
	if valid {
		e.Action = string(ActionAccept)
		e.Details = "Valid EHLO/HELO"
	} else {
		e.Action = string(ActionReject)
		e.Details = "Invalid EHLO/HELO"
	}
	if err := gatedb.AddConnectionEntry(ctx, &e); err != nil {
		return Decision{}, err
	}
	if !valid {
		return Reject(smtp.C501BadParamSyntax, "Invalid EHLO/HELO argument"), nil
	}
	return Accept, nil
}

func evalMail(ctx context.Context, ev Event) (Decision, error) {
	var from string
	if ev.Envelope != nil {
		from = ev.Envelope.From.Address
	}
	valid := from != "" && strings.Contains(from, "@")

	e := gatedb.ConnectionLogEntry{ClientIP: ev.Context.Client.IP, Stage: string(StageMail), Timestamp: time.Now()}
	if valid {
		e.Action = string(ActionAccept)
		e.Details = "Sender validation: passed"
	} else {
		e.Action = string(ActionReject)
		e.Details = "Sender validation: failed"
	}
	if err := gatedb.AddConnectionEntry(ctx, &e); err != nil {
		return Decision{}, err
	}
	if !valid {
		return Reject(smtp.C550MailboxUnavail, "Invalid sender address"), nil
	}
	return Accept, nil
}

// evalRcpt validates each recipient against the active categories. One audit
// row is written per recipient. A recipient without a matching active
// category rejects the command: recipients that cannot be routed are refused
// up front instead of being quarantined later.
func evalRcpt(ctx context.Context, ev Event) (Decision, error) {
	if ev.Envelope == nil || len(ev.Envelope.To) == 0 {
		// Nothing to validate, and no per-recipient audit rows to write.
		return Accept, nil
	}

	rejected := false
	for _, rcpt := range ev.Envelope.To {
		_, found, err := gatedb.ActiveCategoryByAddress(ctx, rcpt.Address)
		if err != nil {
			return Decision{}, err
		}

		e := gatedb.ConnectionLogEntry{ClientIP: ev.Context.Client.IP, Stage: string(StageRcpt), Timestamp: time.Now()}
		if found {
			e.Action = string(ActionAccept)
			e.Details = "Category validation: found"
		} else {
			e.Action = string(ActionReject)
			e.Details = "Category validation: not found"
			rejected = true
		}
		if err := gatedb.AddConnectionEntry(ctx, &e); err != nil {
			return Decision{}, err
		}
	}
	if rejected {
		return Reject(smtp.C550MailboxUnavail, "Invalid recipient address"), nil
	}
	return Accept, nil
}

// evalData decides the disposition of the full message: accepted when at
// least one recipient's category has an active subscription of the sender,
// quarantined otherwise. Exactly one message audit row is written either way.
func evalData(ctx context.Context, ev Event) (Decision, error) {
	log := xlog.WithContext(ctx)

	var from string
	var toAddresses []string
	if ev.Envelope != nil {
		from = ev.Envelope.From.Address
		for _, rcpt := range ev.Envelope.To {
			toAddresses = append(toAddresses, rcpt.Address)
		}
	}
	var size uint64
	if ev.Message != nil {
		size = ev.Message.Size
	}

	validCategory := false
	for _, addr := range toAddresses {
		cat, found, err := gatedb.ActiveCategoryByAddress(ctx, addr)
		if err != nil {
			return Decision{}, err
		}
		if !found {
			continue
		}
		subscribed, err := gatedb.HasActiveSubscription(ctx, from, cat.ID)
		if err != nil {
			return Decision{}, err
		}
		if subscribed {
			validCategory = true
		} else {
			log.Info("sender not subscribed to category", mlog.Field("categoryid", cat.ID))
		}
	}

	action := ActionQuarantine
	if validCategory {
		action = ActionAccept
	}

	e := gatedb.MessageLogEntry{
		FromAddress: from,
		ToAddresses: toAddresses,
		Subject:     messageSubject(ev.Message),
		Size:        size,
		Stage:       string(StageData),
		Action:      string(action),
		Timestamp:   time.Now(),
		QueueID:     ev.QueueID(),
	}
	if err := gatedb.AddMessageEntry(ctx, &e); err != nil {
		return Decision{}, err
	}

	if !validCategory {
		return Quarantine, nil
	}
	return Decision{
		Action: ActionAccept,
		Modifications: []Modification{
			{Header: "X-Processed-By", Value: ProcessedByHeader},
			{Header: "X-Processing-Time", Value: fmt.Sprintf("%d", time.Now().Unix())},
		},
	}, nil
}

func evalAuth(ctx context.Context, ev Event) (Decision, error) {
	e := gatedb.ConnectionLogEntry{
		ClientIP:  ev.Context.Client.IP,
		Stage:     string(StageAuth),
		Action:    string(ActionAccept),
		Timestamp: time.Now(),
		Details:   "Authentication stage - accept",
	}
	if err := gatedb.AddConnectionEntry(ctx, &e); err != nil {
		return Decision{}, err
	}
	return Accept, nil
}

// messageSubject extracts the subject for the audit record: the first header
// case-insensitively named "subject", trimmed, or "No subject". Subjects over
// maxSubjectSize bytes are replaced with the redaction sentinel.
func messageSubject(msg *Message) string {
	subject := "No subject"
	if msg != nil {
		for _, h := range msg.Headers {
			if strings.EqualFold(h[0], "subject") {
				subject = strings.TrimSpace(h[1])
				break
			}
		}
	}
	if len(subject) > maxSubjectSize {
		return RedactedSubject
	}
	return subject
}
