// Package policy evaluates SMTP transaction stages against the gate's
// durable state, producing a decision and exactly the audit writes the stage
// calls for.
//
// Each event is self-contained: the evaluator for a stage reads only the
// event and the stores, never state from earlier calls. Correlating stages of
// one mail transaction is the caller's responsibility.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrParse indicates a malformed transaction event. The call carrying it is
// dropped by the bridge: it is logged and produces no decision.
var ErrParse = errors.New("malformed transaction event")

// Stage is one phase of an SMTP transaction on which a decision is requested.
// The set is closed: unknown stage tags fail parsing, they are never
// defaulted.
type Stage string

const (
	StageConnect Stage = "connect"
	StageEhlo    Stage = "ehlo"
	StageMail    Stage = "mail"
	StageRcpt    Stage = "rcpt"
	StageData    Stage = "data"
	StageAuth    Stage = "auth"
)

var stages = map[Stage]struct{}{
	StageConnect: {},
	StageEhlo:    {},
	StageMail:    {},
	StageRcpt:    {},
	StageData:    {},
	StageAuth:    {},
}

// UnmarshalJSON parses a stage tag, rejecting values outside the closed set.
func (s *Stage) UnmarshalJSON(buf []byte) error {
	var v string
	if err := json.Unmarshal(buf, &v); err != nil {
		return err
	}
	if _, ok := stages[Stage(v)]; !ok {
		known := maps.Keys(stages)
		slices.Sort(known)
		return fmt.Errorf("%w: unknown stage %q, expected one of %v", ErrParse, v, known)
	}
	*s = Stage(v)
	return nil
}

// Address is an envelope address as sent by the MTA.
type Address struct {
	Address string `json:"address"`
}

// Envelope holds the sender and recipients of the transaction, if the stage
// has progressed far enough to know them.
type Envelope struct {
	From Address   `json:"from"`
	To   []Address `json:"to"`
}

// Message holds size and headers of the received message, present on the data
// stage only.
type Message struct {
	Size    uint64      `json:"size"`
	Headers [][2]string `json:"headers"`
}

// Event is one stage call from the MTA bridge, in the MTA hook wire shape.
type Event struct {
	Context struct {
		Stage  Stage `json:"stage"`
		Client struct {
			IP   string `json:"ip"`
			Helo string `json:"helo"`
		} `json:"client"`
		Queue *struct {
			ID string `json:"id"`
		} `json:"queue"`
	} `json:"context"`
	Envelope *Envelope `json:"envelope"`
	Message  *Message  `json:"message"`
}

// ParseEvent parses a transaction event. The stage tag is validated here,
// before any business logic runs.
func ParseEvent(buf []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(buf, &ev); err != nil {
		if errors.Is(err, ErrParse) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if ev.Context.Stage == "" {
		return Event{}, fmt.Errorf("%w: missing stage", ErrParse)
	}
	return ev, nil
}

// QueueID returns the MTA queue id, or the empty string when not assigned.
func (ev Event) QueueID() string {
	if ev.Context.Queue == nil {
		return ""
	}
	return ev.Context.Queue.ID
}
