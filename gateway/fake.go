package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/labor-events/pipeline"
)

// Fake is a scripted in-memory transport. Unless told otherwise every
// submitted event is accepted on the first poll with receipt "REC-<event id>".
type Fake struct {
	mu          sync.Mutex
	seq         int
	submissions map[string]pipeline.Submission
	order       []string
	submitErrs  []error
	pollErrs    []error
	rejections  map[string]pipeline.EventResult
	held        map[string]bool
	polls       int
}

var _ pipeline.Transport = (*Fake)(nil)

// NewFake creates a Fake that accepts everything.
func NewFake() *Fake {
	return &Fake{
		submissions: make(map[string]pipeline.Submission),
		rejections:  make(map[string]pipeline.EventResult),
		held:        make(map[string]bool),
	}
}

// FailNextSubmit makes the next Submit return err. Calls queue up.
func (f *Fake) FailNextSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, err)
}

// FailNextPoll makes the next Poll return err. Calls queue up.
func (f *Fake) FailNextPoll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErrs = append(f.pollErrs, err)
}

// Reject scripts a rejection for the event.
func (f *Fake) Reject(eventID, code, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections[eventID] = pipeline.EventResult{EventID: eventID, Code: code, Message: message}
}

// Hold keeps the event out of poll results until Release.
func (f *Fake) Hold(eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[eventID] = true
}

// Release undoes Hold.
func (f *Fake) Release(eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, eventID)
}

// Submissions returns the accepted submissions in order.
func (f *Fake) Submissions() []pipeline.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pipeline.Submission, 0, len(f.order))
	for _, p := range f.order {
		out = append(out, f.submissions[p])
	}
	return out
}

// Polls returns how many Poll calls reached the fake.
func (f *Fake) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *Fake) Submit(_ context.Context, sub pipeline.Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return "", err
	}
	f.seq++
	protocol := fmt.Sprintf("PROT-%06d", f.seq)
	f.submissions[protocol] = sub
	f.order = append(f.order, protocol)
	return protocol, nil
}

func (f *Fake) Poll(_ context.Context, protocolNumber string) (*pipeline.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.polls++
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		return nil, err
	}
	sub, ok := f.submissions[protocolNumber]
	if !ok {
		return nil, &APIError{Status: 404, Code: "unknown_protocol", Message: protocolNumber}
	}

	out := &pipeline.PollResult{}
	for _, e := range sub.Events {
		if f.held[e.EventID] {
			continue
		}
		if r, ok := f.rejections[e.EventID]; ok {
			r.ExternalID = e.ExternalID
			out.Results = append(out.Results, r)
			continue
		}
		out.Results = append(out.Results, pipeline.EventResult{
			EventID:    e.EventID,
			ExternalID: e.ExternalID,
			Accepted:   true,
			Receipt:    "REC-" + e.EventID,
		})
	}
	return out, nil
}
