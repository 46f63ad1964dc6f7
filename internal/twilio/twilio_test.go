package twilio

import (
	"context"
	"errors"
	"testing"
)

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("NewClient() without credentials should fail")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("NewClient() without a from number should fail")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+15550001111")); err != nil {
		t.Errorf("NewClient() with full options failed: %v", err)
	}
}

func TestNewClientEnvFallback(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "AC456")
	t.Setenv("TWILIO_AUTH_TOKEN", "envtok")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550002222")

	client, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client.from != "+15550002222" {
		t.Errorf("from = %q, want env value", client.from)
	}
}

func TestMockClientRecordsSends(t *testing.T) {
	mock := NewMockClient()
	if err := mock.SendMessage(context.Background(), "15551234567", "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "15551234567" {
		t.Errorf("SentMessages = %+v", mock.SentMessages)
	}

	mock.Err = errors.New("boom")
	if err := mock.SendMessage(context.Background(), "15551234567", "again"); err == nil {
		t.Error("SendMessage() should propagate configured error")
	}
	if len(mock.SentMessages) != 1 {
		t.Errorf("failed send must not be recorded, got %d", len(mock.SentMessages))
	}
}
