package sieveengine

import (
	"context"
	"testing"
)

func evalScript(t *testing.T, script string, ctx Context) Result {
	t.Helper()

	executor, err := NewSieveExecutor(script)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	result, err := executor.Evaluate(context.Background(), ctx)
	if err != nil {
		t.Fatalf("Failed to evaluate script: %v", err)
	}
	return result
}

func testContext(subject string) Context {
	return Context{
		EnvelopeFrom: "sender@example.com",
		EnvelopeTo:   "recipient@example.com",
		Header: map[string][]string{
			"Subject": {subject},
			"From":    {"sender@example.com"},
			"To":      {"recipient@example.com"},
		},
		Body: "Test message body",
	}
}

func TestImplicitKeep(t *testing.T) {
	result := evalScript(t, `# empty script`, testContext("Hello"))
	if result.Action != ActionKeep {
		t.Errorf("Expected action %s, got %s", ActionKeep, result.Action)
	}
}

func TestDiscard(t *testing.T) {
	script := `
if header :contains "Subject" "lottery" {
	discard;
	stop;
}
keep;
`
	tests := []struct {
		name           string
		subject        string
		expectedAction Action
	}{
		{"match discards", "You won the lottery!", ActionDiscard},
		{"no match keeps", "Quarterly report", ActionKeep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := evalScript(t, script, testContext(tt.subject))
			if result.Action != tt.expectedAction {
				t.Errorf("Expected action %s, got %s", tt.expectedAction, result.Action)
			}
		})
	}
}

func TestFileInto(t *testing.T) {
	script := `
require "fileinto";
if header :contains "Subject" "invoice" {
	fileinto "Receipts";
	stop;
}
`
	result := evalScript(t, script, testContext("Your invoice for August"))
	if result.Action != ActionFileInto {
		t.Fatalf("Expected action %s, got %s", ActionFileInto, result.Action)
	}
	if result.Mailbox != "Receipts" {
		t.Errorf("Expected mailbox Receipts, got %s", result.Mailbox)
	}
	if result.Copy {
		t.Errorf("Expected Copy=false for fileinto without keep")
	}
}

func TestFileIntoWithCopy(t *testing.T) {
	script := `
require ["fileinto", "copy"];
fileinto :copy "Archive";
`
	result := evalScript(t, script, testContext("Hello"))
	if result.Action != ActionFileInto {
		t.Fatalf("Expected action %s, got %s", ActionFileInto, result.Action)
	}
	if result.Mailbox != "Archive" {
		t.Errorf("Expected mailbox Archive, got %s", result.Mailbox)
	}
	if !result.Copy {
		t.Errorf("Expected Copy=true for fileinto :copy")
	}
}

func TestRedirect(t *testing.T) {
	script := `
redirect "other@example.net";
`
	result := evalScript(t, script, testContext("Hello"))
	if result.Action != ActionRedirect {
		t.Fatalf("Expected action %s, got %s", ActionRedirect, result.Action)
	}
	if result.RedirectTo != "other@example.net" {
		t.Errorf("Expected RedirectTo=other@example.net, got %s", result.RedirectTo)
	}
	if result.Copy {
		t.Errorf("Expected Copy=false for bare redirect")
	}
}

func TestEnvelopeTest(t *testing.T) {
	script := `
require "envelope";
if envelope :is "from" "sender@example.com" {
	discard;
}
`
	result := evalScript(t, script, testContext("Hello"))
	if result.Action != ActionDiscard {
		t.Errorf("Expected action %s, got %s", ActionDiscard, result.Action)
	}
}

func TestBodyTest(t *testing.T) {
	script := `
require "body";
if body :contains "unsubscribe" {
	discard;
}
`
	ctx := testContext("Newsletter")
	ctx.Body = "Click here to unsubscribe from this list."

	result := evalScript(t, script, ctx)
	if result.Action != ActionDiscard {
		t.Errorf("Expected action %s, got %s", ActionDiscard, result.Action)
	}
}

func TestFlags(t *testing.T) {
	script := `
require "imap4flags";
setflag "\\Seen";
keep;
`
	result := evalScript(t, script, testContext("Hello"))
	if result.Action != ActionKeep {
		t.Errorf("Expected action %s, got %s", ActionKeep, result.Action)
	}
	if len(result.Flags) != 1 || result.Flags[0] != "\\Seen" {
		t.Errorf("Expected flags [\\Seen], got %v", result.Flags)
	}
}

func TestCompileError(t *testing.T) {
	if _, err := NewSieveExecutor(`if header { broken`); err == nil {
		t.Fatal("Expected compile error for malformed script")
	}
}

func TestDisabledExtensionRejected(t *testing.T) {
	script := `
require "vacation";
`
	if _, err := NewSieveExecutorWithExtensions(script, []string{"fileinto"}); err == nil {
		t.Fatal("Expected error when script requires a disabled extension")
	}
}
