package harness

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/store"
)

// notifyGrace is how long a notified assertion keeps reading the stream.
// The task queue publishes some notifications after the task that caused
// them is gone, so they can trail the last step.
const notifyGrace = 2 * time.Second

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // assertion type
	Expected string
	Actual   string
	Trace    []TraceEvent // included for notification assertions
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s\n", ev.Seq, ev.Kind, ev.Detail)
		}
	}
	return buf.String()
}

// evaluate checks every assertion and returns one message per failure.
func (r *runner) evaluate(ctx context.Context, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertNotified:
			err = r.assertNotified(ctx, a)
		case AssertNotNotified:
			err = r.assertNotNotified(a)
		case AssertTimeline:
			err = r.assertTimeline(ctx, a)
		case AssertIndex:
			err = r.assertIndex(ctx, a)
		case AssertMember:
			err = r.assertMember(ctx, a)
		case AssertReceipt:
			err = r.assertReceipt(ctx, a)
		case AssertTasks:
			err = r.assertTasks(ctx, a)
		case AssertState:
			err = r.assertState(a)
		case AssertAbsent:
			err = r.assertAbsent(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion[%d]: %v", i, err))
		}
	}
	return errs
}

// matcher selects notifications of the assertion's kind, optionally
// restricted to one conversation and member.
func matcher(a Assertion) func(notify.Notification) bool {
	return func(n notify.Notification) bool {
		if n.Kind() != a.Kind {
			return false
		}
		if a.Conversation != "" && field(n, "Conversation") != a.Conversation {
			return false
		}
		if a.Member != "" && field(n, "Member") != a.Member {
			return false
		}
		if a.Event != "" && field(n, "Event") != a.Event {
			return false
		}
		return true
	}
}

// field reads a string field of a notification by name.
func field(n notify.Notification, name string) string {
	v := reflect.ValueOf(n)
	if v.Kind() != reflect.Struct {
		return ""
	}
	f := v.FieldByName(name)
	if !f.IsValid() || f.Kind() != reflect.String {
		return ""
	}
	return f.String()
}

func describe(a Assertion) string {
	parts := []string{a.Kind}
	if a.Conversation != "" {
		parts = append(parts, "conversation="+a.Conversation)
	}
	if a.Member != "" {
		parts = append(parts, "member="+a.Member)
	}
	if a.Event != "" {
		parts = append(parts, "event="+a.Event)
	}
	return strings.Join(parts, " ")
}

func (r *runner) assertNotified(ctx context.Context, a Assertion) error {
	match := matcher(a)
	if slices.ContainsFunc(r.seen, match) {
		return nil
	}
	if r.started {
		saved := r.timeout
		r.timeout = notifyGrace
		err := r.await(ctx, a.Kind, match)
		r.timeout = saved
		if err == nil {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertNotified,
		Expected: describe(a),
		Actual:   "not notified",
		Trace:    r.result.Trace,
	}
}

func (r *runner) assertNotNotified(a Assertion) error {
	match := matcher(a)
	i := slices.IndexFunc(r.seen, match)
	if i < 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertNotNotified,
		Expected: "no " + describe(a),
		Actual:   fmt.Sprintf("%+v", r.seen[i]),
		Trace:    r.result.Trace,
	}
}

func (r *runner) assertTimeline(ctx context.Context, a Assertion) error {
	view := r.client.Events(a.Conversation)
	n, err := view.Len(ctx)
	if err != nil {
		return err
	}
	texts := []string{}
	for i := range n {
		ev, err := view.At(ctx, i)
		if err != nil {
			return err
		}
		if text, ok := ev.Body["text"].(string); ok && text != "" {
			texts = append(texts, text)
		}
	}
	want := a.Texts
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(texts, want) {
		return &AssertionError{
			Type:     AssertTimeline,
			Expected: fmt.Sprintf("%q", want),
			Actual:   fmt.Sprintf("%q", texts),
		}
	}
	return nil
}

func (r *runner) assertIndex(ctx context.Context, a Assertion) error {
	conv, err := r.client.Conversation(ctx, a.Conversation)
	if err != nil {
		return err
	}
	if conv.MostRecentEventIndex != a.Index {
		return &AssertionError{
			Type:     AssertIndex,
			Expected: fmt.Sprintf("%s at index %d", a.Conversation, a.Index),
			Actual:   fmt.Sprintf("index %d", conv.MostRecentEventIndex),
		}
	}
	return nil
}

func (r *runner) assertMember(ctx context.Context, a Assertion) error {
	convs := []string{a.Conversation}
	if a.Conversation == "" {
		all, err := r.client.Conversations(ctx)
		if err != nil {
			return err
		}
		convs = convs[:0]
		for _, c := range all {
			convs = append(convs, c.UUID)
		}
	}

	actual := "not found"
	for _, conv := range convs {
		members, err := r.client.Members(ctx, conv)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.UUID != a.Member {
				continue
			}
			if strings.EqualFold(m.State.String(), a.State) {
				return nil
			}
			actual = m.State.String()
		}
	}
	return &AssertionError{
		Type:     AssertMember,
		Expected: fmt.Sprintf("%s %s", a.Member, strings.ToLower(a.State)),
		Actual:   actual,
	}
}

func (r *runner) assertReceipt(ctx context.Context, a Assertion) error {
	receipts, err := r.client.Receipts(ctx, a.Event)
	if err != nil {
		return err
	}
	actual := "none"
	for _, rc := range receipts {
		if rc.MemberUUID == a.Member {
			actual = rc.State.String()
		}
	}
	if !strings.EqualFold(actual, a.State) {
		return &AssertionError{
			Type:     AssertReceipt,
			Expected: fmt.Sprintf("%s %s by %s", a.Event, strings.ToLower(a.State), a.Member),
			Actual:   actual,
		}
	}
	return nil
}

func (r *runner) assertTasks(ctx context.Context, a Assertion) error {
	tasks, err := r.client.Tasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) != a.Count {
		return &AssertionError{
			Type:     AssertTasks,
			Expected: fmt.Sprintf("%d task(s)", a.Count),
			Actual:   fmt.Sprintf("%d task(s)", len(tasks)),
		}
	}
	return nil
}

func (r *runner) assertState(a Assertion) error {
	if got := r.client.State().String(); got != a.State {
		return &AssertionError{
			Type:     AssertState,
			Expected: a.State,
			Actual:   got,
		}
	}
	return nil
}

func (r *runner) assertAbsent(ctx context.Context, a Assertion) error {
	_, err := r.client.Conversation(ctx, a.Conversation)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return &AssertionError{
		Type:     AssertAbsent,
		Expected: a.Conversation + " absent",
		Actual:   "present",
	}
}
