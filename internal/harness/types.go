package harness

// TraceEvent is one notification observed while a scenario ran.
type TraceEvent struct {
	Seq    int    `json:"seq"`    // position in the trace, from 1
	Batch  int    `json:"batch"`  // batch the notification arrived in, from 1
	Kind   string `json:"kind"`   // notification kind, e.g. "event-inserted"
	Detail string `json:"detail"` // the notification's fields
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds every notification in delivery order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`

	// Snapshot is the rendered local store after the last step.
	Snapshot string `json:"snapshot"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Kinds lists the kinds of the trace in order.
func (r *Result) Kinds() []string {
	out := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		out[i] = ev.Kind
	}
	return out
}
