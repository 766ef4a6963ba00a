// Package rules holds the declarative deletion and replacement descriptors
// the shard execution engine applies. The registry is built once at process
// start from typed providers and is read-only afterwards.
package rules

import (
	"fmt"
	"sync"

	"oblivion/pkg/domain"
)

// Kind distinguishes rules that remove rows from rules that scrub fields in
// place. Use a replacement when the row must remain but its PII must go.
type Kind int

const (
	KindDelete Kind = iota
	KindReplace
)

func (k Kind) String() string {
	if k == KindReplace {
		return "replace"
	}
	return "delete"
}

// Params carries the per-request values a rule's terms bind to at apply time.
type Params struct {
	OldName string
	NewName string
	UserID  domain.UserID
	// ActorID is the shard-local actor/principal id for the user; zero when
	// the shard has no actor row for them.
	ActorID int64
}

// Binding names which request value a term resolves to.
type Binding int

const (
	BindLiteral Binding = iota
	BindOldName
	BindNewName
	BindUserID
	BindActorID
)

// Term is one field→value pair in a rule's predicate or replacement set.
type Term struct {
	Field   string
	Binding Binding
	// Literal is used when Binding is BindLiteral. A nil Literal scrubs the
	// field to NULL in a replacement.
	Literal any
}

// Resolve produces the concrete value for this term under the given params.
func (t Term) Resolve(p Params) any {
	switch t.Binding {
	case BindOldName:
		return p.OldName
	case BindNewName:
		return p.NewName
	case BindUserID:
		return p.UserID.String()
	case BindActorID:
		return p.ActorID
	default:
		return t.Literal
	}
}

// Term constructors keep provider registrations readable.
func OldName(field string) Term { return Term{Field: field, Binding: BindOldName} }
func NewName(field string) Term { return Term{Field: field, Binding: BindNewName} }
func UserID(field string) Term  { return Term{Field: field, Binding: BindUserID} }
func ActorID(field string) Term { return Term{Field: field, Binding: BindActorID} }
func Lit(field string, v any) Term {
	return Term{Field: field, Binding: BindLiteral, Literal: v}
}

// Rule describes one table operation. Multiple rules may target the same
// table. Rules are independent of each other: the engine never assumes any
// ordering between them beyond deletions-then-replacements.
type Rule struct {
	Table string
	Kind  Kind
	Where []Term
	// Set holds the replacement values; empty for deletions.
	Set []Term
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s", r.Kind, r.Table)
}

// Registry holds the ordered rule lists. It is safe for concurrent reads
// after Freeze; registration is only legal before any shard work executes.
type Registry struct {
	mu           sync.Mutex
	frozen       bool
	deletions    []Rule
	replacements []Rule
}

func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterDeletionRule appends a deletion descriptor.
// Panics if the registry is already frozen: providers run at process start,
// and a late registration would silently miss in-flight shard work.
func (r *Registry) RegisterDeletionRule(table string, where ...Term) {
	r.register(Rule{Table: table, Kind: KindDelete, Where: where})
}

// RegisterReplacementRule appends a replacement descriptor.
func (r *Registry) RegisterReplacementRule(table string, set []Term, where ...Term) {
	r.register(Rule{Table: table, Kind: KindReplace, Where: where, Set: set})
}

func (r *Registry) register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("rules: registration after freeze")
	}
	if rule.Kind == KindDelete {
		r.deletions = append(r.deletions, rule)
		return
	}
	r.replacements = append(r.replacements, rule)
}

// Freeze marks the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Deletions returns a copy of the deletion rules in registration order.
func (r *Registry) Deletions() []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Rule, len(r.deletions))
	copy(out, r.deletions)
	return out
}

// Replacements returns a copy of the replacement rules in registration order.
func (r *Registry) Replacements() []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Rule, len(r.replacements))
	copy(out, r.replacements)
	return out
}

// DeletionProvider contributes deletion rules at registry build time.
type DeletionProvider interface {
	DeletionRules(reg *Registry)
}

// ReplacementProvider contributes replacement rules at registry build time.
type ReplacementProvider interface {
	ReplacementRules(reg *Registry)
}

// Build runs every provider once, in order, and returns the frozen registry.
func Build(deletions []DeletionProvider, replacements []ReplacementProvider) *Registry {
	reg := NewRegistry()
	for _, p := range deletions {
		p.DeletionRules(reg)
	}
	for _, p := range replacements {
		p.ReplacementRules(reg)
	}
	reg.Freeze()
	return reg
}
