// Package engine applies the rule registry against one shard. Rules run in
// bounded atomic sections with per-rule failure isolation: one broken or
// missing table never blocks cleanup of the rest.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"oblivion/internal/forget/metrics"
	"oblivion/internal/forget/rules"
	"oblivion/internal/queue"
	"oblivion/pkg/domain"
)

// Clause is a resolved field→value pair ready for SQL.
type Clause struct {
	Field string
	Value any
}

// Page identifies one content page owned by the identity.
type Page struct {
	ID        int64
	Namespace int
	Title     string
}

// Session is one shard's view for the duration of a work item. Each mutating
// call is its own atomic section: it fully commits or fully rolls back, so a
// crash mid-list leaves prior rules applied and later ones untouched, and a
// rerun of the same item is safe.
type Session interface {
	// ActorID resolves the shard-local actor id for the user; zero with a
	// nil error when the shard has no actor row for them.
	ActorID(ctx context.Context, userID domain.UserID) (int64, error)

	TableExists(ctx context.Context, table string) (bool, error)
	Delete(ctx context.Context, table string, where []Clause) error
	Update(ctx context.Context, table string, set, where []Clause) error

	// UserPages lists pages in the user and user-talk namespaces whose title
	// is exactly one of the keys or a subpage of either.
	UserPages(ctx context.Context, oldKey, newKey string) ([]Page, error)
	DeletePage(ctx context.Context, page Page) error

	// Residue purges remove already-deleted content's traces by the same
	// title predicate. Best-effort; never retried.
	PurgeArchive(ctx context.Context, oldKey, newKey string) error
	PurgeLogging(ctx context.Context, oldKey, newKey string) error
	PurgeRecentChanges(ctx context.Context, oldKey, newKey string) error
}

// SessionFactory opens sessions and exposes the shard's replica catch-up.
type SessionFactory interface {
	Session(ctx context.Context, id domain.ShardID) (Session, error)
	WaitForReplication(ctx context.Context, id domain.ShardID) error
}

// RuleError records one isolated rule failure.
type RuleError struct {
	Table   string
	Kind    rules.Kind
	Message string
}

// PageError records one isolated page purge failure.
type PageError struct {
	Title   string
	Message string
}

// Report accumulates everything that went wrong on one shard without having
// aborted the run.
type Report struct {
	RuleErrors []RuleError
	PageErrors []PageError
}

// Clean reports whether the run completed without recorded failures.
func (r *Report) Clean() bool {
	return len(r.RuleErrors) == 0 && len(r.PageErrors) == 0
}

// Summary flattens the recorded failures into one line for the shard
// target's error column.
func (r *Report) Summary() string {
	if r.Clean() {
		return ""
	}
	parts := make([]string, 0, len(r.RuleErrors)+len(r.PageErrors))
	for _, e := range r.RuleErrors {
		parts = append(parts, fmt.Sprintf("%s %s: %s", e.Kind, e.Table, e.Message))
	}
	for _, e := range r.PageErrors {
		parts = append(parts, fmt.Sprintf("page %s: %s", e.Title, e.Message))
	}
	return strings.Join(parts, "; ")
}

// Engine runs the full registry plus the page purge for one work item.
type Engine struct {
	sessions   SessionFactory
	registry   *rules.Registry
	purgeActor string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPurgeActor sets the system actor name page deletions run under, so
// they are suppressed from default recent-changes views.
func WithPurgeActor(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.purgeActor = name
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func New(sessions SessionFactory, registry *rules.Registry, opts ...Option) *Engine {
	e := &Engine{
		sessions:   sessions,
		registry:   registry,
		purgeActor: "Oblivion system",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run applies every deletion rule, every replacement rule, and the page
// purge on the item's shard. A non-nil error means no substantive work could
// start (the caller may requeue); rule-level failures land in the Report and
// never abort sibling rules.
func (e *Engine) Run(ctx context.Context, item queue.Item) (*Report, error) {
	sess, err := e.sessions.Session(ctx, item.ShardID)
	if err != nil {
		return nil, fmt.Errorf("open shard session %s: %w", item.ShardID, err)
	}

	actorID, err := sess.ActorID(ctx, item.UserID)
	if err != nil {
		// Actor-bound rules will match nothing; user-bound rules still run.
		e.logger.Warn("failed to resolve shard actor id",
			"shard_id", item.ShardID.String(),
			"user_id", item.UserID.String(),
			"error", err)
	}

	params := rules.Params{
		OldName: item.OldName,
		NewName: item.NewName,
		UserID:  item.UserID,
		ActorID: actorID,
	}

	report := &Report{}
	e.applyRules(ctx, sess, item.ShardID, e.registry.Deletions(), params, report)
	e.applyRules(ctx, sess, item.ShardID, e.registry.Replacements(), params, report)
	e.purgePages(ctx, sess, item, report)

	if !report.Clean() {
		e.logger.Warn("shard anonymisation finished with isolated failures",
			"request_id", item.RequestID.String(),
			"shard_id", item.ShardID.String(),
			"rule_errors", len(report.RuleErrors),
			"page_errors", len(report.PageErrors))
	}
	return report, nil
}

func (e *Engine) applyRules(ctx context.Context, sess Session, shardID domain.ShardID, ruleList []rules.Rule, params rules.Params, report *Report) {
	for _, rule := range ruleList {
		exists, err := sess.TableExists(ctx, rule.Table)
		if err != nil {
			e.recordRuleError(report, rule, err, shardID)
			continue
		}
		if !exists {
			e.logger.Debug("rule target table absent on shard, skipping",
				"table", rule.Table, "shard_id", shardID.String())
			continue
		}

		where := resolveClauses(rule.Where, params)
		switch rule.Kind {
		case rules.KindDelete:
			err = sess.Delete(ctx, rule.Table, where)
		case rules.KindReplace:
			err = sess.Update(ctx, rule.Table, resolveClauses(rule.Set, params), where)
		}
		if err != nil {
			e.recordRuleError(report, rule, err, shardID)
		}

		// Bound replication lag after every atomic section, failed or not,
		// before moving down the rule list.
		if err := e.sessions.WaitForReplication(ctx, shardID); err != nil {
			e.logger.Warn("replica catch-up wait failed",
				"shard_id", shardID.String(), "error", err)
		}
	}
}

func (e *Engine) recordRuleError(report *Report, rule rules.Rule, err error, shardID domain.ShardID) {
	report.RuleErrors = append(report.RuleErrors, RuleError{
		Table:   rule.Table,
		Kind:    rule.Kind,
		Message: err.Error(),
	})
	e.metrics.IncRuleFailure(rule.Table)
	e.logger.Error("rule application failed, continuing with remaining rules",
		"table", rule.Table,
		"kind", rule.Kind.String(),
		"shard_id", shardID.String(),
		"error", err)
}

func (e *Engine) purgePages(ctx context.Context, sess Session, item queue.Item, report *Report) {
	oldKey := titleKey(item.OldName)
	newKey := titleKey(item.NewName)

	pages, err := sess.UserPages(ctx, oldKey, newKey)
	if err != nil {
		report.PageErrors = append(report.PageErrors, PageError{Title: "*", Message: err.Error()})
		return
	}
	for _, page := range pages {
		if err := sess.DeletePage(ctx, page); err != nil {
			report.PageErrors = append(report.PageErrors, PageError{Title: page.Title, Message: err.Error()})
			e.logger.Error("user page deletion failed",
				"shard_id", item.ShardID.String(),
				"title", page.Title,
				"actor", e.purgeActor,
				"error", err)
			continue
		}
		e.logger.Debug("deleted user page",
			"shard_id", item.ShardID.String(),
			"title", page.Title,
			"namespace", page.Namespace,
			"actor", e.purgeActor)
	}

	// Residue of already-deleted content: archived revisions, audit log
	// rows, recent-changes rows matching the same title predicate.
	for name, purge := range map[string]func(context.Context, string, string) error{
		"archive":       sess.PurgeArchive,
		"logging":       sess.PurgeLogging,
		"recentchanges": sess.PurgeRecentChanges,
	} {
		if err := purge(ctx, oldKey, newKey); err != nil {
			report.PageErrors = append(report.PageErrors, PageError{Title: name, Message: err.Error()})
			e.logger.Error("residue purge failed",
				"shard_id", item.ShardID.String(), "target", name, "error", err)
		}
	}
}

func resolveClauses(terms []rules.Term, params rules.Params) []Clause {
	out := make([]Clause, 0, len(terms))
	for _, t := range terms {
		out = append(out, Clause{Field: t.Field, Value: t.Resolve(params)})
	}
	return out
}

// titleKey converts a display name to its stored page-title form.
func titleKey(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}
