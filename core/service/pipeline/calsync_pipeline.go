// Package pipeline orchestrates one webhook invocation end to end:
// site resolution, normalization, token acquisition, calendar dispatch and
// correlation persistence.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"calsync_server/core/domain"
	"calsync_server/core/port/in"
	"calsync_server/core/port/out"
	"calsync_server/core/service/auth"
	"calsync_server/core/service/normalize"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/lock"
	"calsync_server/pkg/logger"
)

// Pipeline implements in.WebhookPipeline.
type Pipeline struct {
	siteRepo   out.SiteConfigRepository
	corrRepo   out.CorrelationRepository
	normalizer *normalize.Normalizer
	tokens     out.TokenPort
	calendar   out.CalendarProviderPort
	usage      out.UsageLogSink
	locks      *lock.KeyMutex
}

func New(
	siteRepo out.SiteConfigRepository,
	corrRepo out.CorrelationRepository,
	normalizer *normalize.Normalizer,
	tokens out.TokenPort,
	calendar out.CalendarProviderPort,
	usage out.UsageLogSink,
) *Pipeline {
	return &Pipeline{
		siteRepo:   siteRepo,
		corrRepo:   corrRepo,
		normalizer: normalizer,
		tokens:     tokens,
		calendar:   calendar,
		usage:      usage,
		locks:      lock.NewKeyMutex(),
	}
}

// Run processes one webhook delivery. The returned result always carries
// the terminal state; the error is non-nil for ABORTED terminals so the
// boundary can pick the response status.
func (p *Pipeline) Run(ctx context.Context, webhookPath string, body []byte) (*domain.PipelineResult, error) {
	started := time.Now()

	result := &domain.PipelineResult{
		TransactionID: uuid.New().String(),
		State:         domain.StateReceived,
	}
	log := logger.WithField("transaction_id", result.TransactionID)

	// RECEIVED -> SITE_RESOLVED
	site, err := p.siteRepo.FindByWebhookPath(ctx, webhookPath)
	if err != nil || site == nil || !site.Enabled {
		result.State = domain.StateAborted
		result.AbortReason = "site-not-found"
		log.Warn("webhook path %q resolves to no enabled site", webhookPath)
		// No site, nothing to attribute a usage entry to.
		return result, apperr.SiteNotFound(webhookPath)
	}
	result.SiteID = site.ID
	result.State = domain.StateSiteResolved
	log = log.WithField("site_id", fmt.Sprintf("%d", site.ID))

	defer func() {
		p.writeUsage(ctx, site.ID, result, time.Since(started))
	}()

	// SITE_RESOLVED -> NORMALIZED
	rec, err := p.normalizer.Normalize(body)
	if err != nil {
		result.State = domain.StateAborted
		result.AbortReason = "bad-payload"
		log.WithError(err).Warn("webhook payload failed normalization")
		return result, err
	}
	result.RecordID = rec.RecordID
	result.Operation = rec.Operation
	result.State = domain.StateNormalized

	// NORMALIZED -> CREDENTIALS_RESOLVED -> TOKEN_ACQUIRED
	creds, err := auth.ResolveGoogleCredentials(site.Config)
	if err != nil {
		result.State = domain.StateAborted
		result.AbortReason = "auth-failure"
		log.WithError(err).Error("site %d has no usable calendar credentials", site.ID)
		return result, err
	}
	result.State = domain.StateCredentialsResolved

	token, err := p.tokens.Refresh(ctx, site.ID, creds)
	if err != nil {
		result.State = domain.StateAborted
		result.AbortReason = "auth-failure"
		log.WithError(err).Error("access token refresh failed for site %d", site.ID)
		return result, err
	}
	result.State = domain.StateTokenAcquired

	// Serialize runs per (record, site): an UPDATE's lookup must not
	// interleave with a concurrent DELETE's removal.
	key := fmt.Sprintf("record:%d:site:%d", rec.RecordID, site.ID)
	p.locks.Lock(key)
	defer p.locks.Unlock(key)

	switch rec.Operation {
	case domain.OperationAdd:
		err = p.runAdd(ctx, site, rec, token.AccessToken, body, result, log)
	case domain.OperationUpdate:
		err = p.runUpdate(ctx, site, rec, token.AccessToken, result, log)
	case domain.OperationDelete:
		err = p.runDelete(ctx, site, rec, token.AccessToken, result, log)
	}
	if err != nil {
		return result, err
	}

	if uerr := p.siteRepo.IncrementUsage(ctx, site.ID); uerr != nil {
		log.WithError(uerr).Warn("failed to bump usage count for site %d", site.ID)
	}

	result.State = domain.StateDone
	log.WithDuration(time.Since(started)).Info("%s for record %d completed", rec.Operation, rec.RecordID)
	return result, nil
}

// runAdd fans out one create per attendee and persists the correlation
// with the event ids that succeeded. Re-delivery of the same record
// updates the existing active correlation in place.
func (p *Pipeline) runAdd(ctx context.Context, site *domain.SiteConfig, rec *domain.NormalizedRecord, accessToken string, body []byte, result *domain.PipelineResult, log *logger.Logger) error {
	dispatch := p.dispatchCreate(ctx, accessToken, rec, log)
	result.Dispatch = dispatch
	result.State = domain.StateDispatched

	existing, err := p.corrRepo.FindActive(ctx, rec.RecordID, site.ID)
	if err != nil {
		log.WithError(err).Warn("correlation lookup failed for record %d", rec.RecordID)
	}

	corr := &domain.RecordCorrelation{
		RecordID:   rec.RecordID,
		SiteID:     site.ID,
		CalendarID: "primary",
		EventIDs:   dispatch.Succeeded,
		Active:     true,
		ExecAt:     time.Now().UTC(),
	}
	if existing != nil {
		log.Info("record %d already correlated, replacing event ids in place", rec.RecordID)
		corr.ID = existing.ID
		corr.ReceivedPayload = existing.ReceivedPayload
		corr.SentPayload = existing.SentPayload
	}
	corr.ReceivedPayload.Append(payloadEntry(rec, body))
	corr.SentPayload.Append(dispatchEntry(rec, dispatch))

	if _, err := p.corrRepo.UpsertOnAdd(ctx, corr); err != nil {
		result.State = domain.StateAborted
		result.AbortReason = "persist-failure"
		log.WithError(err).Error("failed to persist correlation for record %d", rec.RecordID)
		return apperr.Database(err)
	}
	result.State = domain.StatePersisted
	return nil
}

// runUpdate overlays the new draft onto every correlated event.
func (p *Pipeline) runUpdate(ctx context.Context, site *domain.SiteConfig, rec *domain.NormalizedRecord, accessToken string, result *domain.PipelineResult, log *logger.Logger) error {
	corr, err := p.corrRepo.FindActive(ctx, rec.RecordID, site.ID)
	if err != nil {
		result.State = domain.StateAborted
		result.AbortReason = "persist-failure"
		return apperr.Database(err)
	}
	if corr == nil {
		result.State = domain.StateAborted
		result.AbortReason = "no-correlation"
		log.Info("update for record %d skipped: no active correlation", rec.RecordID)
		return apperr.NoCorrelation(rec.RecordID)
	}
	if !rec.HasSchedule() {
		result.State = domain.StateAborted
		result.AbortReason = "bad-payload"
		return apperr.BadPayload(fmt.Sprintf("update for record %d carries no schedule", rec.RecordID))
	}

	dispatch, derr := p.dispatchUpdate(ctx, accessToken, corr, rec.Draft, log)
	result.Dispatch = dispatch
	result.State = domain.StateDispatched

	if aerr := p.corrRepo.AppendSentPayload(ctx, corr.ID, dispatchEntry(rec, dispatch)); aerr != nil {
		log.WithError(aerr).Warn("failed to append sent payload for record %d", rec.RecordID)
	} else {
		result.State = domain.StatePersisted
	}

	if derr != nil {
		result.State = domain.StateAborted
		result.AbortReason = "provider-failure"
		return derr
	}
	return nil
}

// runDelete removes every correlated event, best effort, and deactivates
// the correlation only when nothing is left behind.
func (p *Pipeline) runDelete(ctx context.Context, site *domain.SiteConfig, rec *domain.NormalizedRecord, accessToken string, result *domain.PipelineResult, log *logger.Logger) error {
	corr, err := p.corrRepo.FindActive(ctx, rec.RecordID, site.ID)
	if err != nil {
		result.State = domain.StateAborted
		result.AbortReason = "persist-failure"
		return apperr.Database(err)
	}
	if corr == nil {
		result.State = domain.StateAborted
		result.AbortReason = "no-correlation"
		log.Info("delete for record %d skipped: no active correlation", rec.RecordID)
		return apperr.NoCorrelation(rec.RecordID)
	}

	dispatch := p.dispatchDelete(ctx, accessToken, corr, log)
	result.Dispatch = dispatch
	result.State = domain.StateDispatched

	if aerr := p.corrRepo.AppendSentPayload(ctx, corr.ID, dispatchEntry(rec, dispatch)); aerr != nil {
		log.WithError(aerr).Warn("failed to append sent payload for record %d", rec.RecordID)
	}

	// A partial failure leaves the correlation active and inspectable
	// rather than silently marked complete.
	if len(dispatch.Failed) > 0 {
		log.Warn("delete for record %d left %d event(s) behind", rec.RecordID, len(dispatch.Failed))
		result.State = domain.StatePersisted
		return nil
	}

	if derr := p.corrRepo.Deactivate(ctx, corr.ID); derr != nil {
		result.State = domain.StateAborted
		result.AbortReason = "persist-failure"
		log.WithError(derr).Error("failed to deactivate correlation for record %d", rec.RecordID)
		return apperr.Database(derr)
	}
	result.State = domain.StatePersisted
	return nil
}

func (p *Pipeline) writeUsage(ctx context.Context, siteID int64, result *domain.PipelineResult, elapsed time.Duration) {
	if p.usage == nil {
		return
	}
	entry := &domain.UsageLogEntry{
		SiteID:        siteID,
		TransactionID: result.TransactionID,
		Operation:     result.Operation,
		State:         result.State,
		Success:       result.Done(),
		DurationMS:    float64(elapsed.Microseconds()) / 1000.0,
		At:            time.Now().UTC(),
	}
	if result.State == domain.StateAborted {
		entry.ErrorCode = result.AbortReason
	}
	if err := p.usage.Write(ctx, entry); err != nil {
		logger.WithError(err).Warn("usage log write failed for site %d", siteID)
	}
}

func payloadEntry(rec *domain.NormalizedRecord, body []byte) domain.PayloadEntry {
	return domain.PayloadEntry{
		ID:   fmt.Sprintf("%d", rec.RecordID),
		Type: string(rec.Operation),
		Load: json.RawMessage(body),
	}
}

func dispatchEntry(rec *domain.NormalizedRecord, dispatch domain.DispatchResult) domain.PayloadEntry {
	return domain.PayloadEntry{
		ID:   fmt.Sprintf("%d", rec.RecordID),
		Type: string(rec.Operation),
		Load: dispatch,
	}
}

var _ in.WebhookPipeline = (*Pipeline)(nil)
