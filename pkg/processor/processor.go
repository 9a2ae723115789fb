// Package processor drives the ingestion flow: accept a submission,
// persist it as a proto record, run discovery, and realize automatically
// when the outcome is unambiguous.
package processor

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aster/config"
	"github.com/Ramsey-B/aster/pkg/fingerprint"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// ProtoStore is the slice of the proto record repository the processor needs
type ProtoStore interface {
	Create(ctx context.Context, tenantID string, req models.CreateProtoRecordRequest) (*models.ProtoRecord, error)
	GetByDigest(ctx context.Context, tenantID, entityKind, digest string) (*models.ProtoRecord, error)
	SetError(ctx context.Context, tenantID string, id string, message, trace string) error
}

// Discoverer runs candidate discovery for a proto record
type Discoverer interface {
	Discover(ctx context.Context, tenantID string, protoRecordID string) (*models.DiscoveryResult, error)
}

// Realizer commits a resolved proto record
type Realizer interface {
	Realize(ctx context.Context, tenantID string, protoRecordID string) (*models.RealizeResponse, error)
}

// EventEmitter publishes submission lifecycle events. May be nil when
// eventing is disabled.
type EventEmitter interface {
	EmitProtoSubmitted(ctx context.Context, proto *models.ProtoRecord) error
	EmitProtoDiscovered(ctx context.Context, proto *models.ProtoRecord, result *models.DiscoveryResult) error
}

// SubmitResult is the outcome of one submission
type SubmitResult struct {
	ProtoRecord *models.ProtoRecord     `json:"proto_record"`
	Discovery   *models.DiscoveryResult `json:"discovery,omitempty"`
	Realization *models.RealizeResponse `json:"realization,omitempty"`
	Duplicate   bool                    `json:"duplicate"` // same data was already submitted
}

// Processor handles proto record submissions from HTTP and Kafka
type Processor struct {
	logger      ectologger.Logger
	protos      ProtoStore
	discoverer  Discoverer
	realizer    Realizer
	emitter     EventEmitter
	autoRealize bool
}

// NewProcessor creates a new submission processor
func NewProcessor(cfg config.Config, logger ectologger.Logger, protos ProtoStore, discoverer Discoverer, realizer Realizer, emitter EventEmitter) *Processor {
	return &Processor{
		logger:      logger,
		protos:      protos,
		discoverer:  discoverer,
		realizer:    realizer,
		emitter:     emitter,
		autoRealize: cfg.AutoRealizeEnabled,
	}
}

// Submit accepts a proto record, runs discovery, and realizes it when the
// decision needs no human. Resubmitting identical data returns the
// existing record instead of creating a competing one.
func (p *Processor) Submit(ctx context.Context, tenantID string, req models.CreateProtoRecordRequest, autoRealize *bool) (*SubmitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.Submit")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   tenantID,
		"entity_kind": req.EntityKind,
	})

	digest, err := fingerprint.DataDigestFromJSON(req.Data)
	if err == nil {
		existing, err := p.protos.GetByDigest(ctx, tenantID, req.EntityKind, digest)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.WithFields(map[string]any{"proto_record_id": existing.ID}).Debug("Submission matches an existing proto record")
			return &SubmitResult{ProtoRecord: existing, Duplicate: true}, nil
		}
	}

	proto, err := p.protos.Create(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}

	if p.emitter != nil {
		if err := p.emitter.EmitProtoSubmitted(ctx, proto); err != nil {
			log.WithError(err).Error("Failed to emit submission event")
		}
	}

	result := &SubmitResult{ProtoRecord: proto}

	discovery, err := p.discoverer.Discover(ctx, tenantID, proto.ID)
	if err != nil {
		// The record is stored; discovery can be retried explicitly. The
		// failure is recorded on the proto so callers that never see this
		// response can still observe it.
		log.WithError(err).WithFields(map[string]any{"proto_record_id": proto.ID}).Error("Discovery failed for new submission")
		p.recordError(ctx, tenantID, proto.ID, "discovery failed", err, log)
		return result, nil
	}
	result.Discovery = discovery
	proto.Status = discovery.Status
	if discovery.SelectedEntityID != nil {
		proto.SelectedEntityID = discovery.SelectedEntityID
	}

	if p.emitter != nil {
		if err := p.emitter.EmitProtoDiscovered(ctx, proto, discovery); err != nil {
			log.WithError(err).Error("Failed to emit discovery event")
		}
	}

	if p.shouldAutoRealize(discovery.Status, autoRealize) {
		realization, err := p.realizer.Realize(ctx, tenantID, proto.ID)
		if err != nil {
			log.WithError(err).WithFields(map[string]any{"proto_record_id": proto.ID}).Error("Auto-realization failed")
			p.recordError(ctx, tenantID, proto.ID, "auto-realization failed", err, log)
			return result, nil
		}
		result.Realization = realization
	}

	return result, nil
}

func (p *Processor) recordError(ctx context.Context, tenantID, protoRecordID, message string, cause error, log ectologger.Logger) {
	if err := p.protos.SetError(ctx, tenantID, protoRecordID, message, cause.Error()); err != nil {
		log.WithError(err).WithFields(map[string]any{"proto_record_id": protoRecordID}).Error("Failed to record error on proto record")
	}
}

// shouldAutoRealize decides whether a discovery outcome commits without a
// human. Auto-matched records attach to their match; no-match records
// become new entities. Ambiguous records always wait.
func (p *Processor) shouldAutoRealize(status models.ProtoStatus, override *bool) bool {
	enabled := p.autoRealize
	if override != nil {
		enabled = *override
	}
	if !enabled {
		return false
	}
	return status == models.ProtoStatusAutoMatched || status == models.ProtoStatusNoMatch
}

// ProcessMessage handles a submission arriving over Kafka
func (p *Processor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.ProcessMessage")
	defer span.End()

	data, err := msg.GetData()
	if err != nil {
		return err
	}

	req := models.CreateProtoRecordRequest{
		EntityKind: msg.Submission.EntityKind,
		Data:       json.RawMessage(data),
	}

	_, err = p.Submit(ctx, msg.Submission.TenantID, req, msg.Submission.AutoRealize)
	return err
}
