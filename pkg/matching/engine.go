// Package matching implements candidate discovery: the decision policy
// that inspects a proto record, scores nearby entities, and lands on
// auto-matched, ambiguous, or no-match.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/aster/pkg/fingerprint"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/profiles"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// ProtoStore is the slice of the proto record repository the engine needs
type ProtoStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.ProtoRecord, error)
	UpdateResolution(ctx context.Context, tenantID string, id string, profile int, selectedEntityID *string, status models.ProtoStatus) error
}

// CandidateStore persists the scored candidate set for a proto record
type CandidateStore interface {
	Clear(ctx context.Context, tenantID string, protoRecordID string) error
	Replace(ctx context.Context, tenantID string, protoRecordID string, candidates []models.Candidate) error
}

// CandidateRow is one entity inside the profile window, as fetched by the
// entity repository: the stored value of the profiled field plus the cached
// profile, nil when it has never been computed.
type CandidateRow struct {
	EntityID string `db:"entity_id"`
	Value    string `db:"value"`
	Profile  *int   `db:"profile"`
}

// EntityStore is the slice of the entity repository the engine needs
type EntityStore interface {
	FindWindow(ctx context.Context, tenantID string, entityKind string, field string, profile int, threshold int, excludeEntityID *string, preds []profiles.Predicate, fetchLimit int) ([]CandidateRow, error)
	UpsertProfile(ctx context.Context, tenantID string, entityID string, profile int) error
}

// EngineConfig bounds the discovery work
type EngineConfig struct {
	FetchLimit int // hard cap on the candidate window fetch
}

// DefaultConfig returns default engine configuration
func DefaultConfig() EngineConfig {
	return EngineConfig{FetchLimit: 500}
}

// Engine runs the discovery decision policy
type Engine struct {
	logger     ectologger.Logger
	registry   *profiles.Registry
	protos     ProtoStore
	candidates CandidateStore
	entities   EntityStore
	config     EngineConfig
}

// NewEngine creates a new discovery engine
func NewEngine(
	logger ectologger.Logger,
	registry *profiles.Registry,
	protos ProtoStore,
	candidates CandidateStore,
	entities EntityStore,
	config EngineConfig,
) *Engine {
	if config.FetchLimit <= 0 {
		config.FetchLimit = DefaultConfig().FetchLimit
	}
	return &Engine{
		logger:     logger,
		registry:   registry,
		protos:     protos,
		candidates: candidates,
		entities:   entities,
		config:     config,
	}
}

type scoredCandidate struct {
	entityID     string
	editDistance int
	profileDelta int
}

// Discover normalizes a proto record, windows the entity table by profile,
// scores every candidate, and persists the decision. Safe to run back to
// back on the same record: the candidate set is fully replaced each run.
func (e *Engine) Discover(ctx context.Context, tenantID string, protoRecordID string) (*models.DiscoveryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.Discover")
	defer span.End()

	proto, err := e.protos.Get(ctx, tenantID, protoRecordID)
	if err != nil {
		return nil, err
	}

	prof, err := e.registry.Get(proto.EntityKind)
	if err != nil {
		return nil, err
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":       tenantID,
		"proto_record_id": proto.ID,
		"entity_kind":     proto.EntityKind,
	})

	var data map[string]any
	if err := json.Unmarshal(proto.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse proto record data: %w", err)
	}

	normalized, err := prof.Pipeline.Normalize(data)
	if err != nil {
		return nil, err
	}

	// A realized record's resolution is settled. Re-scanning it surfaces
	// near-duplicates of its entity for review, but never rewrites status
	// or selection; that would erase a committed realization.
	realized := proto.Status == models.ProtoStatusRealized

	// Clear existing candidates before anything else. Stale candidates must
	// not survive a re-run, and a retried call after a repository error is
	// then always safe.
	if err := e.candidates.Clear(ctx, tenantID, proto.ID); err != nil {
		return nil, err
	}

	// An empty normalized value would sit within any positive threshold
	// band of everything; it can never identify an entity.
	if normalized == "" {
		log.Debug("Normalized value is empty, skipping discovery")
		status := models.ProtoStatusNoMatch
		if realized {
			status = models.ProtoStatusRealized
		} else if err := e.protos.UpdateResolution(ctx, tenantID, proto.ID, 0, nil, models.ProtoStatusNoMatch); err != nil {
			return nil, err
		}
		return &models.DiscoveryResult{
			ProtoRecordID: proto.ID,
			Status:        status,
			Candidates:    []models.Candidate{},
		}, nil
	}

	profile := fingerprint.Profile(normalized)

	var preds []profiles.Predicate
	if prof.ExtraPredicates != nil {
		preds = prof.ExtraPredicates(data)
	}

	// A realized proto stands for its selected entity; exclude it from its
	// own window when re-scanning for duplicates.
	var exclude *string
	if proto.Status == models.ProtoStatusRealized {
		exclude = proto.SelectedEntityID
	}

	rows, err := e.entities.FindWindow(ctx, tenantID, proto.EntityKind, prof.Pipeline.Field, profile, prof.ProfileThreshold, exclude, preds, e.config.FetchLimit)
	if err != nil {
		return nil, err
	}

	// Fast path: candidates whose cached profile equals ours might be exact
	// string matches. Profile collisions are expected, so equality is
	// confirmed on the normalized values, never on the profile alone.
	var exactIDs []string
	for _, row := range rows {
		if row.Profile != nil && *row.Profile == profile && prof.Pipeline.NormalizeValue(row.Value) == normalized {
			exactIDs = append(exactIDs, row.EntityID)
		}
	}
	if len(exactIDs) == 1 && !realized {
		return e.autoMatch(ctx, tenantID, proto, profile, exactIDs[0], 0, 0)
	}

	// Fallback: score the whole window by edit distance, backfilling cached
	// profiles as we go.
	survivors := make([]scoredCandidate, 0, len(rows))
	for _, row := range rows {
		candidateNormalized := prof.Pipeline.NormalizeValue(row.Value)

		var candidateProfile int
		if row.Profile != nil {
			candidateProfile = *row.Profile
		} else {
			candidateProfile = fingerprint.Profile(candidateNormalized)
			if err := e.entities.UpsertProfile(ctx, tenantID, row.EntityID, candidateProfile); err != nil {
				return nil, err
			}
		}

		// Rows fetched for backfill may fall outside the band once profiled
		if !fingerprint.WithinThreshold(candidateProfile, profile, prof.ProfileThreshold) {
			continue
		}

		d := Distance(candidateNormalized, normalized)
		if d <= prof.LevenshteinThreshold {
			survivors = append(survivors, scoredCandidate{
				entityID:     row.EntityID,
				editDistance: d,
				profileDelta: candidateProfile - profile,
			})
		}
	}

	switch {
	case len(survivors) == 0:
		log.WithFields(map[string]any{"window_size": len(rows)}).Debug("No candidates within thresholds")
		status := models.ProtoStatusNoMatch
		if realized {
			status = models.ProtoStatusRealized
		} else if err := e.protos.UpdateResolution(ctx, tenantID, proto.ID, profile, nil, models.ProtoStatusNoMatch); err != nil {
			return nil, err
		}
		return &models.DiscoveryResult{
			ProtoRecordID:   proto.ID,
			Status:          status,
			NormalizedValue: normalized,
			Profile:         profile,
			Candidates:      []models.Candidate{},
		}, nil

	case len(survivors) == 1 && survivors[0].editDistance == 0 && !realized:
		// The fast path can miss a perfect match when the cached profile was
		// absent or stale; a sole zero-distance survivor auto-selects the
		// same way.
		s := survivors[0]
		return e.autoMatch(ctx, tenantID, proto, profile, s.entityID, s.editDistance, s.profileDelta)
	}

	// One imperfect match or several matches: persist the ordered top N and
	// wait for an explicit selection.
	sortSurvivors(survivors)
	if len(survivors) > prof.CandidateLimit {
		survivors = survivors[:prof.CandidateLimit]
	}

	candidates := e.buildCandidates(tenantID, proto, survivors)
	if err := e.candidates.Replace(ctx, tenantID, proto.ID, candidates); err != nil {
		return nil, err
	}

	status := models.ProtoStatusAmbiguous
	if realized {
		status = models.ProtoStatusRealized
		log.WithFields(map[string]any{"candidate_count": len(candidates)}).Info("Re-scan of realized record found near-duplicates")
	} else {
		if err := e.protos.UpdateResolution(ctx, tenantID, proto.ID, profile, nil, models.ProtoStatusAmbiguous); err != nil {
			return nil, err
		}
		log.WithFields(map[string]any{"candidate_count": len(candidates)}).Info("Discovery is ambiguous, awaiting selection")
	}

	return &models.DiscoveryResult{
		ProtoRecordID:   proto.ID,
		Status:          status,
		NormalizedValue: normalized,
		Profile:         profile,
		Candidates:      candidates,
	}, nil
}

func (e *Engine) autoMatch(ctx context.Context, tenantID string, proto *models.ProtoRecord, profile int, entityID string, editDistance int, profileDelta int) (*models.DiscoveryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.autoMatch")
	defer span.End()

	candidates := e.buildCandidates(tenantID, proto, []scoredCandidate{{
		entityID:     entityID,
		editDistance: editDistance,
		profileDelta: profileDelta,
	}})
	if err := e.candidates.Replace(ctx, tenantID, proto.ID, candidates); err != nil {
		return nil, err
	}
	if err := e.protos.UpdateResolution(ctx, tenantID, proto.ID, profile, &entityID, models.ProtoStatusAutoMatched); err != nil {
		return nil, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":       tenantID,
		"proto_record_id": proto.ID,
		"entity_id":       entityID,
	}).Info("Auto-matched proto record")

	return &models.DiscoveryResult{
		ProtoRecordID:    proto.ID,
		Status:           models.ProtoStatusAutoMatched,
		Profile:          profile,
		SelectedEntityID: &entityID,
		Candidates:       candidates,
	}, nil
}

func (e *Engine) buildCandidates(tenantID string, proto *models.ProtoRecord, survivors []scoredCandidate) []models.Candidate {
	candidates := make([]models.Candidate, 0, len(survivors))
	for _, s := range survivors {
		candidates = append(candidates, models.Candidate{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			ProtoRecordID: proto.ID,
			EntityKind:    proto.EntityKind,
			EntityID:      s.entityID,
			EditDistance:  s.editDistance,
			ProfileDelta:  s.profileDelta,
		})
	}
	return candidates
}

// sortSurvivors orders candidates by edit distance, then by absolute
// profile delta, then by entity id. The order is total so repeated runs
// against unchanged data produce the same top-N list.
func sortSurvivors(survivors []scoredCandidate) {
	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].editDistance != survivors[j].editDistance {
			return survivors[i].editDistance < survivors[j].editDistance
		}
		di := abs(survivors[i].profileDelta)
		dj := abs(survivors[j].profileDelta)
		if di != dj {
			return di < dj
		}
		return survivors[i].entityID < survivors[j].entityID
	})
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
