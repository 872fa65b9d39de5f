package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/testutil"
)

// Scenario defines one end-to-end client run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// User is the uuid the client logs in as.
	User string `yaml:"user"`

	// Users are registered on the server.
	Users []UserSpec `yaml:"users,omitempty"`

	// Conversations are registered on the server before the client starts.
	Conversations []ConversationSpec `yaml:"conversations,omitempty"`

	// Steps drive the client, in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// UserSpec is a server user.
type UserSpec struct {
	UUID string `yaml:"uuid"`
	Name string `yaml:"name"`
}

// ConversationSpec is a server conversation with its initial event log.
type ConversationSpec struct {
	UUID    string       `yaml:"uuid"`
	Name    string       `yaml:"name"`
	Members []MemberSpec `yaml:"members,omitempty"`
	// Events get ids 1..n in order.
	Events []EventSpec `yaml:"events,omitempty"`
}

// MemberSpec is a server member record.
type MemberSpec struct {
	UUID      string `yaml:"uuid"`
	User      string `yaml:"user"`
	Name      string `yaml:"name,omitempty"`
	State     string `yaml:"state"` // INVITED | JOINED | LEFT
	InvitedBy string `yaml:"invited_by,omitempty"`
}

// EventSpec is a server event.
type EventSpec struct {
	From string         `yaml:"from"`
	Type string         `yaml:"type"`
	Body map[string]any `yaml:"body,omitempty"`
}

// Step is one scenario action. Which fields apply depends on Op.
type Step struct {
	Op           string         `yaml:"op"`
	Conversation string         `yaml:"conversation,omitempty"`
	From         string         `yaml:"from,omitempty"`
	Type         string         `yaml:"type,omitempty"`
	Body         map[string]any `yaml:"body,omitempty"`
	Push         bool           `yaml:"push,omitempty"`
	Text         string         `yaml:"text,omitempty"`
	Event        string         `yaml:"event,omitempty"`
	Operation    string         `yaml:"operation,omitempty"`
	Error        string         `yaml:"error,omitempty"` // transient | not-found | session-invalid | malformed
	Count        int            `yaml:"count,omitempty"`
}

// Step operations.
const (
	OpStart              = "start"
	OpServer             = "server"
	OpPush               = "push"
	OpSendText           = "send_text"
	OpMarkSeen           = "mark_seen"
	OpDelete             = "delete"
	OpReconnect          = "reconnect"
	OpRemoveConversation = "remove_conversation"
	OpFailNext           = "fail_next"
	OpAwaitTasks         = "await_tasks"
)

// Assertion validates the trace or the final store.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Kind         string   `yaml:"kind,omitempty"`
	Conversation string   `yaml:"conversation,omitempty"`
	Member       string   `yaml:"member,omitempty"`
	Event        string   `yaml:"event,omitempty"`
	State        string   `yaml:"state,omitempty"`
	Texts        []string `yaml:"texts,omitempty"`
	Index        int64    `yaml:"index,omitempty"`
	Count        int      `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertNotified    = "notified"
	AssertNotNotified = "not_notified"
	AssertTimeline    = "timeline"
	AssertIndex       = "index"
	AssertMember      = "member"
	AssertReceipt     = "receipt"
	AssertTasks       = "tasks"
	AssertState       = "state"
	AssertAbsent      = "absent"
)

var remoteOps = map[string]bool{
	testutil.OpFetchConversations: true,
	testutil.OpFetchDetail:        true,
	testutil.OpFetchEvents:        true,
	testutil.OpSendEvent:          true,
	testutil.OpDeleteEvent:        true,
	testutil.OpFetchUser:          true,
	testutil.OpInvite:             true,
	testutil.OpJoin:               true,
	testutil.OpKick:               true,
}

var errorKinds = map[string]remote.Kind{
	"transient":       remote.KindTransient,
	"not-found":       remote.KindNotFound,
	"session-invalid": remote.KindSessionInvalid,
	"malformed":       remote.KindMalformed,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if s.User == "" {
		return errors.New("user is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	for i, c := range s.Conversations {
		if c.UUID == "" {
			return fmt.Errorf("conversation %d: uuid is required", i)
		}
	}

	for i, st := range s.Steps {
		if err := validateStep(st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d (%s): %w", i, a.Type, err)
		}
	}
	return nil
}

func validateStep(st Step) error {
	need := func(field, v string) error {
		if v == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	switch st.Op {
	case OpStart, OpReconnect, OpAwaitTasks:
		return nil
	case OpServer:
		if err := need("conversation", st.Conversation); err != nil {
			return err
		}
		return need("type", st.Type)
	case OpPush, OpRemoveConversation:
		return need("conversation", st.Conversation)
	case OpSendText:
		if err := need("conversation", st.Conversation); err != nil {
			return err
		}
		return need("text", st.Text)
	case OpMarkSeen, OpDelete:
		return need("event", st.Event)
	case OpFailNext:
		if !remoteOps[st.Operation] {
			return fmt.Errorf("unknown operation %q", st.Operation)
		}
		if _, ok := errorKinds[st.Error]; !ok {
			return fmt.Errorf("unknown error %q", st.Error)
		}
		return nil
	case "":
		return errors.New("op is required")
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertNotified, AssertNotNotified:
		if a.Kind == "" {
			return errors.New("kind is required")
		}
	case AssertTimeline, AssertIndex, AssertAbsent:
		if a.Conversation == "" {
			return errors.New("conversation is required")
		}
	case AssertMember:
		if a.Member == "" || a.State == "" {
			return errors.New("member and state are required")
		}
	case AssertReceipt:
		if a.Event == "" || a.Member == "" || a.State == "" {
			return errors.New("event, member and state are required")
		}
	case AssertTasks:
	case AssertState:
		if a.State == "" {
			return errors.New("state is required")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
