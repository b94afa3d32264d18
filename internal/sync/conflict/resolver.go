// Package conflict decides how sync conflicts are resolved and computes the
// resolution payload.
package conflict

import (
	"bytes"
	"encoding/json"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// DefaultMaxAutoResolutions caps automatic resolutions per entity before a
// conflict is escalated to manual.
const DefaultMaxAutoResolutions = 3

// Resolver holds the configured resolution policy.
type Resolver struct {
	strategy    models.Strategy
	maxAuto     int
	manualTypes map[string]bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxAutoResolutions sets the automatic resolution cap per entity.
func WithMaxAutoResolutions(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxAuto = n
		}
	}
}

// WithManualTypes marks entity types whose conflicts always wait for a
// manual resolution.
func WithManualTypes(types ...string) Option {
	return func(r *Resolver) {
		for _, t := range types {
			r.manualTypes[t] = true
		}
	}
}

// NewResolver creates a new Resolver with the specified default strategy.
func NewResolver(strategy models.Strategy, opts ...Option) *Resolver {
	if !strategy.Valid() {
		strategy = models.StrategyLocal
	}
	r := &Resolver{
		strategy:    strategy,
		maxAuto:     DefaultMaxAutoResolutions,
		manualTypes: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategy returns the default strategy.
func (r *Resolver) Strategy() models.Strategy {
	return r.strategy
}

// Decision is the policy outcome for a freshly detected conflict.
type Decision struct {
	// Strategy to apply now. StrategyManual means leave the conflict open.
	Strategy models.Strategy
	// Escalated is set when the automatic resolution cap was reached.
	Escalated bool
}

// Auto reports whether the conflict should be resolved immediately.
func (d Decision) Auto() bool {
	return d.Strategy != models.StrategyManual
}

// Decide picks the strategy for a conflict on an entity of entityType.
func (r *Resolver) Decide(c *models.Conflict, entityType string) Decision {
	if r.strategy == models.StrategyManual || r.manualTypes[entityType] {
		return Decision{Strategy: models.StrategyManual}
	}
	if c != nil && c.ResolutionAttempts >= r.maxAuto {
		logging.Warn("Conflict escalated to manual resolution",
			map[string]interface{}{
				"entity_id": c.ID,
				"attempts":  c.ResolutionAttempts,
				"max":       r.maxAuto,
			})
		return Decision{Strategy: models.StrategyManual, Escalated: true}
	}
	return Decision{Strategy: r.strategy}
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Payload  json.RawMessage
	Strategy models.Strategy
}

// Resolve computes the payload that wins conflict c under strategy. For
// StrategyMerge a non-empty merged payload supplied by the caller is used as
// is; otherwise local and remote are merged field by field.
func (r *Resolver) Resolve(c *models.Conflict, strategy models.Strategy, merged json.RawMessage) (*ResolveResult, error) {
	if c == nil {
		return nil, ErrInvalidConflict
	}
	if c.Resolved {
		return nil, ErrAlreadyResolved
	}

	logging.Info("Resolving conflict",
		map[string]interface{}{
			"entity_id":     c.ID,
			"conflict_type": c.ConflictType,
			"strategy":      strategy,
		})

	var payload json.RawMessage
	switch strategy {
	case models.StrategyLocal:
		payload = c.LocalPayload
	case models.StrategyRemote:
		payload = c.RemotePayload
	case models.StrategyMerge:
		if len(bytes.TrimSpace(merged)) > 0 {
			if !json.Valid(merged) {
				return nil, ErrInvalidMergePayload
			}
			payload = merged
		} else {
			m, err := MergePayloads(c.LocalPayload, c.RemotePayload)
			if err != nil {
				return nil, err
			}
			payload = m
		}
	case models.StrategyManual:
		return nil, ErrManualResolutionRequired
	default:
		return nil, ErrUnknownStrategy
	}

	return &ResolveResult{
		Payload:  append(json.RawMessage(nil), payload...),
		Strategy: strategy,
	}, nil
}

// MergePayloads merges two JSON payloads field by field. When both are
// objects the result starts from local and takes every non-null top-level
// field of remote. Otherwise remote wins unless it is null or empty.
func MergePayloads(local, remote json.RawMessage) (json.RawMessage, error) {
	if isNull(remote) {
		return local, nil
	}

	var localObj, remoteObj map[string]json.RawMessage
	if json.Unmarshal(local, &localObj) != nil || localObj == nil ||
		json.Unmarshal(remote, &remoteObj) != nil || remoteObj == nil {
		return remote, nil
	}

	for k, v := range remoteObj {
		if isNull(v) {
			continue
		}
		localObj[k] = v
	}

	out, err := json.Marshal(localObj)
	if err != nil {
		return nil, &ConflictError{Message: "merge payloads: " + err.Error()}
	}
	return out, nil
}

func isNull(p json.RawMessage) bool {
	t := bytes.TrimSpace(p)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Errors
var (
	ErrInvalidConflict          = &ConflictError{Message: "invalid conflict"}
	ErrAlreadyResolved          = &ConflictError{Message: "conflict already resolved"}
	ErrManualResolutionRequired = &ConflictError{Message: "manual resolution required"}
	ErrUnknownStrategy          = &ConflictError{Message: "unknown resolution strategy"}
	ErrInvalidMergePayload      = &ConflictError{Message: "merged payload is not valid JSON"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
