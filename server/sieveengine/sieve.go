package sieveengine

import (
	"context"
	"strings"
	"time"

	"github.com/migadu/go-sieve"
	"github.com/migadu/go-sieve/interp"
)

type Action string

const (
	ActionKeep     Action = "keep"
	ActionDiscard  Action = "discard"
	ActionFileInto Action = "fileinto"
	ActionRedirect Action = "redirect"
)

// DefaultExtensions is the list of Sieve extensions scripts may require.
var DefaultExtensions = []string{
	"fileinto",
	"envelope",
	"variables",
	"relational",
	"imap4flags",
	"copy",
	"mailbox",
	"body",
}

type Result struct {
	Action     Action
	Mailbox    string   // used for fileinto
	RedirectTo string   // used for redirect
	Flags      []string // flags to add to the message
	Copy       bool     // RFC 3894 :copy modifier for redirect and fileinto
}

// Context carries one message through a script evaluation.
type Context struct {
	EnvelopeFrom string
	EnvelopeTo   string
	Header       map[string][]string
	Body         string
}

type Executor interface {
	Evaluate(evalCtx context.Context, ctx Context) (Result, error)
}

// SieveExecutor implements the Executor interface using the go-sieve library
type SieveExecutor struct {
	script *sieve.Script
}

// NewSieveExecutor compiles scriptContent with the default extension set.
// The returned executor is safe for concurrent use; each Evaluate call gets
// its own runtime data.
func NewSieveExecutor(scriptContent string) (Executor, error) {
	return NewSieveExecutorWithExtensions(scriptContent, DefaultExtensions)
}

// NewSieveExecutorWithExtensions compiles scriptContent allowing only the
// given extensions. A nil list allows everything go-sieve supports.
func NewSieveExecutorWithExtensions(scriptContent string, enabledExtensions []string) (Executor, error) {
	options := sieve.DefaultOptions()
	options.EnabledExtensions = enabledExtensions
	script, err := sieve.Load(strings.NewReader(scriptContent), options)
	if err != nil {
		return nil, err
	}
	return &SieveExecutor{script: script}, nil
}

// Evaluate runs the script against one message and folds the interpreter
// state into a single Result.
func (e *SieveExecutor) Evaluate(evalCtx context.Context, ctx Context) (Result, error) {
	envelope := &sieveEnvelope{
		From: ctx.EnvelopeFrom,
		To:   ctx.EnvelopeTo,
	}
	message := &sieveMessage{
		Headers: ctx.Header,
		Body:    []byte(ctx.Body),
		Size:    len(ctx.Body),
	}

	policy := &sievePolicy{}
	data := sieve.NewRuntimeData(e.script, policy, envelope, message)

	if err := e.script.Execute(evalCtx, data); err != nil {
		return Result{Action: ActionKeep}, err
	}

	result := Result{Action: ActionKeep}

	if len(data.Mailboxes) > 0 {
		result.Action = ActionFileInto
		result.Mailbox = data.Mailboxes[0]
		// An explicit keep or :copy after fileinto still stores the
		// message in the inbox.
		result.Copy = data.ImplicitKeep || data.Keep
	} else if len(data.RedirectAddr) > 0 {
		result.Action = ActionRedirect
		result.RedirectTo = data.RedirectAddr[0]
		result.Copy = data.ImplicitKeep || data.Keep
	} else if !data.Keep && !data.ImplicitKeep {
		result.Action = ActionDiscard
	}

	if len(data.Flags) > 0 {
		result.Flags = data.Flags
	}

	return result, nil
}

// sievePolicy satisfies interp.PolicyReader. The vacation extension is not
// enabled, so its hooks never fire and always deny.
type sievePolicy struct{}

func (p *sievePolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (p *sievePolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	return false, nil
}

func (p *sievePolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}

type sieveEnvelope struct {
	From string
	To   string
	Auth string
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.From }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.To }
func (e *sieveEnvelope) AuthUsername() string { return e.Auth }

type sieveMessage struct {
	Headers map[string][]string
	Body    []byte
	Size    int
}

func (m *sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.Headers[key], nil
}

func (m *sieveMessage) MessageSize() int {
	return m.Size
}

func (m *sieveMessage) BodyRaw() ([]byte, bool, error) {
	return m.Body, true, nil
}
