package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/migadu/tern/config"
	"github.com/migadu/tern/db"
	"github.com/migadu/tern/pkg/metrics"
	"github.com/migadu/tern/server/sieveengine"
)

// ScriptSource yields the active filter script of an account.
// db.ErrScriptNotFound means the default script applies.
type ScriptSource interface {
	GetActiveScript(ctx context.Context, accountID int64) (string, error)
}

// MessageStore persists a filtered message into an account mailbox. The
// store lives behind this interface because message storage is a separate
// system; a nil store turns the engine into filter-only mode.
type MessageStore interface {
	Store(ctx context.Context, account *db.Account, mailbox string, parsed *ParsedMessage) error
}

// Redirector queues a message for re-sending to an external address when a
// script asks for redirect.
type Redirector interface {
	EnqueueRedirect(sender, to string, raw []byte) (string, error)
}

// SieveEngine is the built-in FilterEngine: header checks first, then the
// account's Sieve script (or the configured default), then storage.
type SieveEngine struct {
	Scripts       ScriptSource
	Store         MessageStore
	Redirector    Redirector
	Logger        Logger
	MetricsLabel  string
	HeaderChecks  map[string]string
	DefaultScript string
}

// NewSieveEngine builds the engine from the filter configuration, loading
// the default script from disk if one is configured.
func NewSieveEngine(cfg config.FilterConfig, scripts ScriptSource, store MessageStore, redirector Redirector, logger Logger) (*SieveEngine, error) {
	engine := &SieveEngine{
		Scripts:      scripts,
		Store:        store,
		Redirector:   redirector,
		Logger:       logger,
		MetricsLabel: "lmtp",
		HeaderChecks: cfg.HeaderChecks,
	}

	if cfg.DefaultScriptPath != "" {
		script, err := os.ReadFile(cfg.DefaultScriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read default script: %w", err)
		}
		if _, err := sieveengine.NewSieveExecutor(string(script)); err != nil {
			return nil, fmt.Errorf("default script does not compile: %w", err)
		}
		engine.DefaultScript = string(script)
	}

	return engine, nil
}

// Deliver filters one message for one account. Parsing happens at most once
// per transaction; the parse travels back to the caller in the result.
func (e *SieveEngine) Deliver(ctx context.Context, req *Request) (*Result, error) {
	parsed := req.Parsed
	if parsed == nil {
		var err error
		parsed, err = Parse(req.Raw)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{Parsed: parsed, Mailbox: "INBOX"}

	if reason := e.checkHeaders(parsed); reason != "" {
		result.Rejected = true
		result.Reason = reason
		return result, nil
	}

	sieveResult := e.evaluateScript(ctx, req, parsed)

	switch sieveResult.Action {
	case sieveengine.ActionDiscard:
		result.Discarded = true
		return result, nil

	case sieveengine.ActionFileInto:
		result.Mailbox = sieveResult.Mailbox

	case sieveengine.ActionRedirect:
		if e.Redirector != nil {
			if _, err := e.Redirector.EnqueueRedirect(req.Sender, sieveResult.RedirectTo, parsed.Raw); err != nil {
				e.logf("failed to enqueue redirect to <%s>: %v", sieveResult.RedirectTo, err)
			} else if !sieveResult.Copy {
				result.Discarded = true
				return result, nil
			}
		}
	}

	if e.Store != nil {
		if err := e.Store.Store(ctx, req.Account, result.Mailbox, parsed); err != nil {
			return nil, fmt.Errorf("failed to store message: %w", err)
		}
	}

	return result, nil
}

// checkHeaders applies the configured header checks and returns a rejection
// reason when one matches.
func (e *SieveEngine) checkHeaders(parsed *ParsedMessage) string {
	for name, needle := range e.HeaderChecks {
		if needle == "" {
			continue
		}
		values := parsed.Headers.Map()[name]
		for _, value := range values {
			if strings.Contains(value, needle) {
				return fmt.Sprintf("header %s matched policy check", name)
			}
		}
	}
	return ""
}

// evaluateScript runs the account's active script, falling back to the
// default script and finally to the implicit keep. Script failures never
// lose mail; they degrade to keep.
func (e *SieveEngine) evaluateScript(ctx context.Context, req *Request, parsed *ParsedMessage) sieveengine.Result {
	keep := sieveengine.Result{Action: sieveengine.ActionKeep}

	script := e.DefaultScript
	if e.Scripts != nil {
		accountScript, err := e.Scripts.GetActiveScript(ctx, req.Account.ID)
		if err != nil {
			if !errors.Is(err, db.ErrScriptNotFound) {
				e.logf("failed to load script for account %d: %v", req.Account.ID, err)
			}
		} else {
			script = accountScript
		}
	}
	if script == "" {
		return keep
	}

	executor, err := sieveengine.NewSieveExecutor(script)
	if err != nil {
		metrics.SieveExecutions.WithLabelValues(e.MetricsLabel, "failure").Inc()
		e.logf("script for account %d does not compile: %v", req.Account.ID, err)
		return keep
	}

	result, err := executor.Evaluate(ctx, sieveengine.Context{
		EnvelopeFrom: req.Sender,
		EnvelopeTo:   req.Recipient,
		Header:       parsed.Headers.Map(),
		Body:         parsed.PlaintextBody,
	})
	if err != nil {
		metrics.SieveExecutions.WithLabelValues(e.MetricsLabel, "failure").Inc()
		e.logf("script for account %d failed: %v", req.Account.ID, err)
		return keep
	}

	metrics.SieveExecutions.WithLabelValues(e.MetricsLabel, "success").Inc()
	return result
}

func (e *SieveEngine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Log(format, args...)
	}
}
