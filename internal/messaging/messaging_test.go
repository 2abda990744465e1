package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/traumfunke/storyflow/internal/store"
)

func TestCanonicalPhoneNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+49 151 2345 6789", "+4915123456789", false},
		{"(555) 123-4567", "+5551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
		{"1234567890123456", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalPhoneNumber(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalPhoneNumber(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalPhoneNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := CanonicalPhoneNumber(""); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("expected ErrNoRecipient, got %v", err)
	}
}

type fakeMessageAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeMessageAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioNotifierSendMessage(t *testing.T) {
	api := &fakeMessageAPI{}
	n := &TwilioNotifier{api: api, from: "+15550001111"}

	if err := n.SendMessage(context.Background(), "+49 151 0000000", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(api.params) != 1 {
		t.Fatalf("expected 1 API call, got %d", len(api.params))
	}
	p := api.params[0]
	if p.To == nil || *p.To != "+491510000000" {
		t.Errorf("To = %v", p.To)
	}
	if p.From == nil || *p.From != "+15550001111" {
		t.Errorf("From = %v", p.From)
	}
	if p.Body == nil || *p.Body != "hello" {
		t.Errorf("Body = %v", p.Body)
	}

	api.err = errors.New("twilio down")
	if err := n.SendMessage(context.Background(), "+491510000000", "again"); err == nil {
		t.Error("expected an error from the API")
	}
	if err := n.SendMessage(context.Background(), "12", "short"); err == nil {
		t.Error("expected an error for an invalid recipient")
	}
}

func TestTwilioNotifierHonorsCancelledContext(t *testing.T) {
	api := &fakeMessageAPI{}
	n := &TwilioNotifier{api: api, from: "+15550001111"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.SendMessage(ctx, "+491510000000", "hello"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(api.params) != 0 {
		t.Error("API called with a cancelled context")
	}
}

func TestNewTwilioNotifierRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioNotifier(); err == nil {
		t.Error("expected an error without credentials")
	}
	if _, err := NewTwilioNotifier(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected an error without a from number")
	}
	if _, err := NewTwilioNotifier(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550001111")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRenderNotice(t *testing.T) {
	ready := RenderNotice(store.OutboxKindStoryReady, Notice{ChildNames: "Mia"})
	if !strings.Contains(ready, "is ready") || !strings.Contains(ready, "Mia") {
		t.Errorf("ready notice = %q", ready)
	}
	failed := RenderNotice(store.OutboxKindStoryFailed, Notice{EpisodeNumber: 3})
	if !strings.Contains(failed, "Episode 3") || !strings.Contains(failed, "could not be created") {
		t.Errorf("failed notice = %q", failed)
	}
}

func TestOutboxSendFunc(t *testing.T) {
	mock := NewMockNotifier()
	send := OutboxSendFunc(mock)
	ctx := context.Background()

	msg := store.OutboxMessage{ID: "msg_1", Kind: store.OutboxKindStoryReady, PayloadJSON: `{"request_id":"r1","to":"+49 151 1111111"}`}
	if err := send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "+491511111111" {
		t.Fatalf("sent = %+v", sent)
	}

	bad := []store.OutboxMessage{
		{ID: "msg_2", Kind: "unknown", PayloadJSON: `{}`},
		{ID: "msg_3", Kind: store.OutboxKindStoryFailed, PayloadJSON: `not json`},
		{ID: "msg_4", Kind: store.OutboxKindStoryReady, PayloadJSON: `{"request_id":"r4"}`},
	}
	for _, m := range bad {
		if err := send(ctx, m); err == nil {
			t.Errorf("%s: expected an error", m.ID)
		}
	}

	mock.Err = errors.New("provider down")
	if err := send(ctx, msg); err == nil {
		t.Error("expected the notifier error")
	}
}

func TestOutboxSenderDeliversThroughNotifier(t *testing.T) {
	st := store.NewInMemoryStore()
	mock := NewMockNotifier()
	sender := store.NewOutboxSender(st, OutboxSendFunc(mock), 0)

	if _, err := st.EnqueueOutboxMessage("user-1", store.OutboxKindStoryReady, `{"request_id":"r1","to":"+491511111111"}`, "notify:r1"); err != nil {
		t.Fatalf("EnqueueOutboxMessage: %v", err)
	}
	if n := sender.Poll(context.Background()); n != 1 {
		t.Fatalf("Poll sent %d, want 1", n)
	}
	if len(mock.Sent()) != 1 {
		t.Fatalf("notifier received %d messages", len(mock.Sent()))
	}
}
