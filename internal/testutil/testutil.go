// Package testutil provides common test utilities and hand-written fakes for storyflow tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/traumfunke/storyflow/internal/models"
)

// Call records one collaborator invocation in order.
type Call struct {
	Method string
	UserID string
	Amount int
}

// CallLog is shared by fakes so tests can assert ordering across collaborators.
type CallLog struct {
	mu    sync.Mutex
	calls []Call
}

func (l *CallLog) add(c Call) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, c)
	l.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (l *CallLog) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}

// Methods returns the recorded method names in order.
func (l *CallLog) Methods() []string {
	var out []string
	for _, c := range l.Calls() {
		out = append(out, c.Method)
	}
	return out
}

// FakeGateway is an in-memory entitlement gateway.
type FakeGateway struct {
	mu sync.Mutex

	Balance models.Balance
	// DebitResult overrides the debit outcome when set.
	DebitResult *bool
	BalanceErr  error
	DebitErr    error
	// AfterDebit replaces the balance once a debit was attempted, simulating a concurrent spend.
	AfterDebit *models.Balance

	Log          *CallLog
	BalanceCalls int
	DebitCalls   int
	Debited      int
}

// NewFakeGateway returns a gateway holding credits.
func NewFakeGateway(credits int, log *CallLog) *FakeGateway {
	return &FakeGateway{Balance: models.Balance{Credits: credits}, Log: log}
}

func (g *FakeGateway) GetBalance(_ context.Context, userID string) (models.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.BalanceCalls++
	g.Log.add(Call{Method: "GetBalance", UserID: userID})
	if g.BalanceErr != nil {
		return models.Balance{}, g.BalanceErr
	}
	return g.Balance, nil
}

func (g *FakeGateway) Debit(_ context.Context, userID string, amount int) (models.DebitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.DebitCalls++
	g.Log.add(Call{Method: "Debit", UserID: userID, Amount: amount})
	if g.AfterDebit != nil {
		g.Balance = *g.AfterDebit
	}
	if g.DebitErr != nil {
		return models.DebitResult{}, g.DebitErr
	}
	ok := g.Balance.Covers(amount)
	if g.DebitResult != nil {
		ok = *g.DebitResult
	}
	if !ok {
		return models.DebitResult{}, nil
	}
	if g.Balance.IsUnlimited {
		return models.DebitResult{OK: true}, nil
	}
	g.Balance.Credits -= amount
	g.Debited += amount
	return models.DebitResult{OK: true, Charged: amount}, nil
}

// FakeSink records submitted payloads.
type FakeSink struct {
	mu sync.Mutex

	RequestID string
	SeriesID  string
	StoryID   string
	Err       error
	// Block, when set, is waited on inside Submit so tests can overlap calls.
	Block chan struct{}
	// Entered receives a value when Submit starts, if non-nil.
	Entered chan struct{}

	Log      *CallLog
	Payloads []models.StoryRequestPayload
	Episodes []models.EpisodePayload
	SeriesOf []string
}

// NewFakeSink returns a sink that accepts every request with requestID.
func NewFakeSink(requestID string, log *CallLog) *FakeSink {
	return &FakeSink{RequestID: requestID, Log: log}
}

func (s *FakeSink) Submit(_ context.Context, p models.StoryRequestPayload) (models.SubmitResult, error) {
	if s.Entered != nil {
		s.Entered <- struct{}{}
	}
	if s.Block != nil {
		<-s.Block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Log.add(Call{Method: "Submit", UserID: p.UserID})
	s.Payloads = append(s.Payloads, p)
	if s.Err != nil {
		return models.SubmitResult{}, s.Err
	}
	res := models.SubmitResult{RequestID: s.RequestID}
	if p.Series != nil {
		res.SeriesID = s.SeriesID
	}
	return res, nil
}

func (s *FakeSink) SubmitEpisode(_ context.Context, seriesID string, p models.EpisodePayload) (models.EpisodeSubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Log.add(Call{Method: "SubmitEpisode", UserID: p.UserID})
	s.Episodes = append(s.Episodes, p)
	s.SeriesOf = append(s.SeriesOf, seriesID)
	if s.Err != nil {
		return models.EpisodeSubmitResult{}, s.Err
	}
	return models.EpisodeSubmitResult{RequestID: s.RequestID, StoryID: s.StoryID}, nil
}

// SubmitCount returns how many new-story submissions were recorded.
func (s *FakeSink) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Payloads)
}

// Refund is one refund recorded by FakeCompensator.
type Refund struct {
	UserID         string
	Amount         int
	IdempotencyKey string
}

// FakeCompensator records scheduled refunds.
type FakeCompensator struct {
	mu      sync.Mutex
	Err     error
	Log     *CallLog
	Refunds []Refund
}

func (c *FakeCompensator) ScheduleRefund(_ context.Context, userID string, amount int, key string, _ error) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Log.add(Call{Method: "ScheduleRefund", UserID: userID, Amount: amount})
	if c.Err != nil {
		return "", c.Err
	}
	c.Refunds = append(c.Refunds, Refund{UserID: userID, Amount: amount, IdempotencyKey: key})
	return fmt.Sprintf("job_refund_%d", len(c.Refunds)), nil
}

// ErrSinkDown is a convenient submission failure for tests.
var ErrSinkDown = errors.New("generation backend unavailable")

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the JSON envelope and validates the status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s' (body: %v)", expectedStatus, status, response)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
