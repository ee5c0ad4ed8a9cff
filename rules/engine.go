package rules

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/gatekeeper-sh/gatekeeper/internal/logger"
)

// Engine owns pattern compilation and command classification. Compiled
// regexps are cached per rule id so the hot path never recompiles.
//
// Classification is ordered first-match: scan the priority-sorted rule
// list, the first rule whose pattern matches the command decides it, and
// lower-priority rules are never consulted. Matching is unanchored
// substring search unless the pattern anchors itself.
type Engine struct {
	store    Store
	cache    Cache
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp // ruleID -> compiled pattern
}

// NewEngine creates an engine over the given store and compiles every
// stored pattern up front. A stored pattern that fails to compile does not
// abort startup; it is skipped at classification time with a warning.
func NewEngine(store Store) (*Engine, error) {
	en := &Engine{
		store:    store,
		cache:    NewMemoryCache(DefaultCacheConfig()),
		patterns: make(map[string]*regexp.Regexp),
	}
	if err := en.compileAll(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	return en, nil
}

// CompilePattern compiles and caches the pattern for a rule. Used both at
// startup and when validating a new rule before it reaches the store.
func (en *Engine) CompilePattern(ruleID, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	en.mu.Lock()
	en.patterns[ruleID] = re
	en.mu.Unlock()
	return nil
}

// compileAll compiles every stored rule and primes the list cache. Rules
// with bad patterns (stored before creation-time validation existed) are
// left uncompiled rather than failing the whole set.
func (en *Engine) compileAll(ctx context.Context) error {
	list, err := en.store.ListByPriority(ctx)
	if err != nil {
		return err
	}
	for _, rule := range list {
		if err := en.CompilePattern(rule.ID, rule.Pattern); err != nil {
			logger.Warn("skipping rule with invalid stored pattern",
				"rule_id", rule.ID, "pattern", rule.Pattern, "error", err)
		}
	}
	en.cache.Set(list)
	return nil
}

// Classify fetches the ordered rule set and classifies commandText against
// it. A retrieval failure is returned to the caller, which is expected to
// fail safe (treat the command as PENDING) rather than accept or reject.
func (en *Engine) Classify(ctx context.Context, commandText string) (Decision, error) {
	list := en.cache.Get()
	if list == nil {
		var err error
		list, err = en.store.ListByPriority(ctx)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to fetch rules: %w", err)
		}
		en.cache.Set(list)
	}
	return en.ClassifyAgainst(commandText, list), nil
}

// ClassifyAgainst classifies commandText against an already-ordered rule
// list. First match wins. No match yields ACCEPT with no rule id: commands
// the rule set says nothing about are allowed through. That fail-open
// default is deliberate and load-bearing; tests pin it.
func (en *Engine) ClassifyAgainst(commandText string, list []*Rule) Decision {
	for _, rule := range list {
		en.mu.RLock()
		re, compiled := en.patterns[rule.ID]
		en.mu.RUnlock()

		if !compiled {
			var err error
			re, err = regexp.Compile(rule.Pattern)
			if err != nil {
				logger.Warn("skipping rule with invalid pattern during classification",
					"rule_id", rule.ID, "pattern", rule.Pattern, "error", err)
				continue
			}
			en.mu.Lock()
			en.patterns[rule.ID] = re
			en.mu.Unlock()
		}

		if re.MatchString(commandText) {
			return Decision{
				Outcome: outcomeFor(rule.Action),
				RuleID:  rule.ID,
				Pattern: rule.Pattern,
			}
		}
	}
	return Decision{Outcome: OutcomeAccept}
}

func outcomeFor(a Action) Outcome {
	switch a {
	case ActionAutoReject:
		return OutcomeReject
	case ActionRequireApproval:
		return OutcomePending
	default:
		return OutcomeAccept
	}
}

// AddRule validates, compiles, and stores a new rule. The pattern must
// compile before the rule is persisted; if the store rejects it the
// compiled pattern is removed again so engine and store stay in step.
func (en *Engine) AddRule(ctx context.Context, rule *Rule) error {
	if !rule.Action.Valid() {
		return fmt.Errorf("invalid action %q", rule.Action)
	}
	if err := en.CompilePattern(rule.ID, rule.Pattern); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Add(ctx, rule); err != nil {
		en.mu.Lock()
		delete(en.patterns, rule.ID)
		en.mu.Unlock()
		return err
	}

	en.cache.Invalidate()
	return nil
}

// GetRule retrieves a rule by id.
func (en *Engine) GetRule(ctx context.Context, id string) (*Rule, error) {
	return en.store.Get(ctx, id)
}

// ListRules returns the rule set in classification order.
func (en *Engine) ListRules(ctx context.Context) ([]*Rule, error) {
	return en.store.ListByPriority(ctx)
}

// DeleteRule removes a rule from the store and drops its compiled pattern.
// Existing command records keep their snapshot of the rule's id and
// pattern; deletion never rewrites history.
func (en *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := en.store.Delete(ctx, id); err != nil {
		return err
	}

	en.mu.Lock()
	delete(en.patterns, id)
	en.mu.Unlock()

	en.cache.Invalidate()
	return nil
}
