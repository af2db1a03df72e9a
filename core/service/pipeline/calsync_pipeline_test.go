package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"calsync_server/core/domain"
	"calsync_server/core/service/normalize"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: logger.LevelFatal, Output: io.Discard})
	os.Exit(m.Run())
}

// Fakes

type fakeSiteRepo struct {
	sites      map[string]*domain.SiteConfig
	usageBumps map[int64]int
}

func (f *fakeSiteRepo) FindByWebhookPath(_ context.Context, path string) (*domain.SiteConfig, error) {
	return f.sites[path], nil
}

func (f *fakeSiteRepo) FindByID(_ context.Context, id int64) (*domain.SiteConfig, error) {
	for _, s := range f.sites {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeSiteRepo) SaveConfig(_ context.Context, _ int64, _ domain.ConfigBlob) error { return nil }

func (f *fakeSiteRepo) IncrementUsage(_ context.Context, siteID int64) error {
	if f.usageBumps == nil {
		f.usageBumps = make(map[int64]int)
	}
	f.usageBumps[siteID]++
	return nil
}

type fakeCorrRepo struct {
	active      map[string]*domain.RecordCorrelation
	nextID      int64
	appended    map[int64][]domain.PayloadEntry
	deactivated []int64
	upserts     int
}

func corrKey(recordID, siteID int64) string {
	return fmt.Sprintf("%d:%d", recordID, siteID)
}

func newFakeCorrRepo() *fakeCorrRepo {
	return &fakeCorrRepo{
		active:   make(map[string]*domain.RecordCorrelation),
		appended: make(map[int64][]domain.PayloadEntry),
	}
}

func (f *fakeCorrRepo) seed(recordID, siteID int64, eventIDs ...string) *domain.RecordCorrelation {
	f.nextID++
	corr := &domain.RecordCorrelation{
		ID:       f.nextID,
		RecordID: recordID,
		SiteID:   siteID,
		EventIDs: eventIDs,
		Active:   true,
	}
	f.active[corrKey(recordID, siteID)] = corr
	return corr
}

func (f *fakeCorrRepo) FindActive(_ context.Context, recordID, siteID int64) (*domain.RecordCorrelation, error) {
	return f.active[corrKey(recordID, siteID)], nil
}

func (f *fakeCorrRepo) UpsertOnAdd(_ context.Context, corr *domain.RecordCorrelation) (*domain.RecordCorrelation, error) {
	f.upserts++
	if corr.ID == 0 {
		f.nextID++
		corr.ID = f.nextID
	}
	f.active[corrKey(corr.RecordID, corr.SiteID)] = corr
	return corr, nil
}

func (f *fakeCorrRepo) AppendSentPayload(_ context.Context, corrID int64, entry domain.PayloadEntry) error {
	f.appended[corrID] = append(f.appended[corrID], entry)
	return nil
}

func (f *fakeCorrRepo) Deactivate(_ context.Context, corrID int64) error {
	f.deactivated = append(f.deactivated, corrID)
	for _, corr := range f.active {
		if corr.ID == corrID {
			corr.Active = false
		}
	}
	return nil
}

func (f *fakeCorrRepo) ListBySite(_ context.Context, _ int64, _ int) ([]*domain.RecordCorrelation, error) {
	return nil, nil
}

type fakeTokens struct {
	err   error
	calls int
}

func (f *fakeTokens) ExchangeCode(_ context.Context, _, _, _, _ string) (*domain.OAuthToken, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeTokens) Refresh(_ context.Context, _ int64, _ domain.GoogleCredentials) (*domain.OAuthToken, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.OAuthToken{AccessToken: "at-test", TokenType: "Bearer"}, nil
}

type fakeCalendar struct {
	nextEvent  int
	created    []string // attendee per create call
	updated    []string // event id per update call
	deleted    []string // event id per delete call
	failCreate map[string]bool
	failDelete map[string]bool
	failUpdate map[string]bool
}

func (f *fakeCalendar) CreateEvent(_ context.Context, _, _ string, _ *domain.EventDraft, attendee string) (string, error) {
	if f.failCreate[attendee] {
		return "", fmt.Errorf("insert rejected for %s", attendee)
	}
	f.nextEvent++
	f.created = append(f.created, attendee)
	return fmt.Sprintf("ev-%d", f.nextEvent), nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _, _, eventID string, _ *domain.EventDraft) (string, error) {
	if f.failUpdate[eventID] {
		return "", fmt.Errorf("patch rejected for %s", eventID)
	}
	f.updated = append(f.updated, eventID)
	return eventID, nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _, _, eventID string) error {
	if f.failDelete[eventID] {
		return fmt.Errorf("delete rejected for %s", eventID)
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeCalendar) CheckAccess(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

type fakeUsage struct {
	entries []*domain.UsageLogEntry
}

func (f *fakeUsage) Write(_ context.Context, entry *domain.UsageLogEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeUsage) ListBySite(_ context.Context, _ int64, _ int) ([]*domain.UsageLogEntry, error) {
	return f.entries, nil
}

// Harness

type harness struct {
	pipeline *Pipeline
	sites    *fakeSiteRepo
	corrs    *fakeCorrRepo
	tokens   *fakeTokens
	calendar *fakeCalendar
	usage    *fakeUsage
}

func newHarness() *harness {
	h := &harness{
		sites:    &fakeSiteRepo{sites: make(map[string]*domain.SiteConfig)},
		corrs:    newFakeCorrRepo(),
		tokens:   &fakeTokens{},
		calendar: &fakeCalendar{},
		usage:    &fakeUsage{},
	}
	h.sites.sites["hook-1"] = &domain.SiteConfig{
		ID:          7,
		WebhookPath: "hook-1",
		Enabled:     true,
		Active:      true,
		Config: domain.ConfigBlob{
			GoogleRecords: &domain.GoogleRecordsConfig{
				ClientID:     "cid",
				ClientSecret: "secret",
			},
			RefreshToken: "rt-1",
		},
	}
	h.pipeline = New(h.sites, h.corrs, normalize.NewNormalizer(), h.tokens, h.calendar, h.usage)
	return h
}

func body(op string, recordID int64, attendees ...string) []byte {
	participants := ""
	for i, a := range attendees {
		if i > 0 {
			participants += ","
		}
		participants += fmt.Sprintf("%q", a)
	}
	return []byte(fmt.Sprintf(`{
		"type": %q,
		"recordId": %d,
		"record": {
			"test01": "quarterly review",
			"field_1638871584": "room 4",
			"field_1638871621": {
				"field_1638871621_participants": [[%s]],
				"field_1638871621_period": ["2024-03-01T09:00+09:00", "2024-03-01T10:30+09:00"]
			}
		}
	}`, op, recordID, participants))
}

func lastUsage(t *testing.T, h *harness) *domain.UsageLogEntry {
	t.Helper()
	if len(h.usage.entries) == 0 {
		t.Fatal("expected a usage log entry")
	}
	return h.usage.entries[len(h.usage.entries)-1]
}

// Tests

func TestRunAddFansOutPerAttendee(t *testing.T) {
	h := newHarness()

	result, err := h.pipeline.Run(context.Background(), "hook-1", body("ADD_RECORD", 42, "a@x.com", "b@x.com"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Done() {
		t.Errorf("state = %s, want DONE", result.State)
	}
	if len(h.calendar.created) != 2 {
		t.Fatalf("created %d events, want 2", len(h.calendar.created))
	}

	corr, _ := h.corrs.FindActive(context.Background(), 42, 7)
	if corr == nil {
		t.Fatal("no correlation persisted")
	}
	if !corr.Active {
		t.Error("correlation should be active")
	}
	if len(corr.EventIDs) != 2 || corr.EventIDs[0] != "ev-1" || corr.EventIDs[1] != "ev-2" {
		t.Errorf("event ids = %v, want [ev-1 ev-2]", corr.EventIDs)
	}
	if len(corr.ReceivedPayload.Request) != 1 {
		t.Errorf("received payload entries = %d, want 1", len(corr.ReceivedPayload.Request))
	}

	entry := lastUsage(t, h)
	if !entry.Success || entry.Operation != domain.OperationAdd {
		t.Errorf("usage entry = %+v, want success ADD_RECORD", entry)
	}
	if h.sites.usageBumps[7] != 1 {
		t.Errorf("usage count bumps = %d, want 1", h.sites.usageBumps[7])
	}
}

func TestRunUnknownPathHasNoSideEffects(t *testing.T) {
	h := newHarness()

	_, err := h.pipeline.Run(context.Background(), "no-such-hook", body("ADD_RECORD", 1, "a@x.com"))
	if !apperr.Is(err, apperr.CodeSiteNotFound) {
		t.Fatalf("err = %v, want SITE_NOT_FOUND", err)
	}
	if len(h.calendar.created) != 0 || h.tokens.calls != 0 {
		t.Error("unknown path must not reach the provider")
	}
	if len(h.usage.entries) != 0 {
		t.Errorf("usage entries = %d, want 0", len(h.usage.entries))
	}
}

func TestRunBadPayloadAborts(t *testing.T) {
	h := newHarness()

	result, err := h.pipeline.Run(context.Background(), "hook-1", []byte(`{"recordId": 5}`))
	if !apperr.Is(err, apperr.CodeBadPayload) {
		t.Fatalf("err = %v, want BAD_PAYLOAD", err)
	}
	if result.State != domain.StateAborted {
		t.Errorf("state = %s, want ABORTED", result.State)
	}

	entry := lastUsage(t, h)
	if entry.Success || entry.ErrorCode != "bad-payload" {
		t.Errorf("usage entry = %+v, want failed bad-payload", entry)
	}
}

func TestRunCredentialsMissingAborts(t *testing.T) {
	h := newHarness()
	h.sites.sites["hook-1"].Config.GoogleRecords.ClientSecret = ""

	_, err := h.pipeline.Run(context.Background(), "hook-1", body("ADD_RECORD", 8, "a@x.com"))
	if !apperr.Is(err, apperr.CodeCredentialsMissing) {
		t.Fatalf("err = %v, want CREDENTIALS_MISSING", err)
	}
	if h.tokens.calls != 0 || len(h.calendar.created) != 0 {
		t.Error("missing credentials must not reach the provider")
	}
	if entry := lastUsage(t, h); entry.ErrorCode != "auth-failure" {
		t.Errorf("usage error code = %s, want auth-failure", entry.ErrorCode)
	}
}

func TestRunTokenRefreshFailureAborts(t *testing.T) {
	h := newHarness()
	h.tokens.err = apperr.TokenGeneration(fmt.Errorf("invalid_grant"))

	_, err := h.pipeline.Run(context.Background(), "hook-1", body("ADD_RECORD", 8, "a@x.com"))
	if !apperr.Is(err, apperr.CodeTokenGeneration) {
		t.Fatalf("err = %v, want TOKEN_GENERATION_FAILED", err)
	}
	if len(h.calendar.created) != 0 {
		t.Error("failed token refresh must not reach the provider")
	}
}

func TestRunAddPartialCreateFailure(t *testing.T) {
	h := newHarness()
	h.calendar.failCreate = map[string]bool{"b@x.com": true}

	result, err := h.pipeline.Run(context.Background(), "hook-1", body("ADD_RECORD", 42, "a@x.com", "b@x.com"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Dispatch.Partial() {
		t.Errorf("dispatch = %+v, want partial", result.Dispatch)
	}

	corr, _ := h.corrs.FindActive(context.Background(), 42, 7)
	if len(corr.EventIDs) != 1 || corr.EventIDs[0] != "ev-1" {
		t.Errorf("event ids = %v, want only the succeeded create", corr.EventIDs)
	}
	if len(result.Dispatch.Failed) != 1 || result.Dispatch.Failed[0].Target != "b@x.com" {
		t.Errorf("failed = %+v, want b@x.com recorded", result.Dispatch.Failed)
	}
}

func TestRunDuplicateAddUpdatesInPlace(t *testing.T) {
	h := newHarness()

	if _, err := h.pipeline.Run(context.Background(), "hook-1", body("ADD_RECORD", 42, "a@x.com")); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	first, _ := h.corrs.FindActive(context.Background(), 42, 7)

	if _, err := h.pipeline.Run(context.Background(), "hook-1", body("ADD_RECORD", 42, "a@x.com", "b@x.com")); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	second, _ := h.corrs.FindActive(context.Background(), 42, 7)

	if second.ID != first.ID {
		t.Errorf("correlation id changed %d -> %d, want update in place", first.ID, second.ID)
	}
	if len(second.EventIDs) != 2 {
		t.Errorf("event ids = %v, want the re-dispatched pair", second.EventIDs)
	}
	if len(second.ReceivedPayload.Request) != 2 {
		t.Errorf("received payload entries = %d, want both deliveries retained", len(second.ReceivedPayload.Request))
	}
}

func TestRunUpdateOverlaysEveryEvent(t *testing.T) {
	h := newHarness()
	corr := h.corrs.seed(42, 7, "ev-a", "ev-b")

	result, err := h.pipeline.Run(context.Background(), "hook-1", body("UPDATE_RECORD", 42, "a@x.com", "b@x.com"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Done() {
		t.Errorf("state = %s, want DONE", result.State)
	}
	if len(h.calendar.updated) != 2 {
		t.Errorf("updated %d events, want 2", len(h.calendar.updated))
	}
	if len(h.corrs.appended[corr.ID]) != 1 {
		t.Errorf("sent payload entries = %d, want 1", len(h.corrs.appended[corr.ID]))
	}
}

func TestRunUpdateWithoutCorrelationIsInformational(t *testing.T) {
	h := newHarness()

	result, err := h.pipeline.Run(context.Background(), "hook-1", body("UPDATE_RECORD", 99, "a@x.com"))
	if !apperr.Is(err, apperr.CodeNoCorrelation) {
		t.Fatalf("err = %v, want NO_CORRELATION", err)
	}
	if apperr.StatusOf(err) != 200 {
		t.Errorf("status = %d, want 200 for the informational skip", apperr.StatusOf(err))
	}
	if len(h.calendar.updated) != 0 {
		t.Error("no correlation means no provider calls")
	}
	if result.AbortReason != "no-correlation" {
		t.Errorf("abort reason = %s, want no-correlation", result.AbortReason)
	}
}

func TestRunUpdateProviderFailureAborts(t *testing.T) {
	h := newHarness()
	corr := h.corrs.seed(42, 7, "ev-a", "ev-b")
	h.calendar.failUpdate = map[string]bool{"ev-a": true}

	result, err := h.pipeline.Run(context.Background(), "hook-1", body("UPDATE_RECORD", 42, "a@x.com"))
	if !apperr.Is(err, apperr.CodeProviderError) {
		t.Fatalf("err = %v, want PROVIDER_ERROR", err)
	}
	if result.State != domain.StateAborted {
		t.Errorf("state = %s, want ABORTED", result.State)
	}
	// The failed attempt is still on the audit trail.
	if len(h.corrs.appended[corr.ID]) != 1 {
		t.Errorf("sent payload entries = %d, want 1", len(h.corrs.appended[corr.ID]))
	}
}

func TestRunDeleteRemovesAllEventsThenDeactivates(t *testing.T) {
	h := newHarness()
	corr := h.corrs.seed(42, 7, "ev-a", "ev-b")

	result, err := h.pipeline.Run(context.Background(), "hook-1", body("DELETE_RECORD", 42))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Done() {
		t.Errorf("state = %s, want DONE", result.State)
	}
	if len(h.calendar.deleted) != 2 {
		t.Errorf("deleted %d events, want 2", len(h.calendar.deleted))
	}
	if len(h.corrs.deactivated) != 1 || h.corrs.deactivated[0] != corr.ID {
		t.Errorf("deactivated = %v, want [%d]", h.corrs.deactivated, corr.ID)
	}
	if corr.Active {
		t.Error("correlation should be inactive after full delete")
	}
}

func TestRunDeletePartialFailureStaysActive(t *testing.T) {
	h := newHarness()
	corr := h.corrs.seed(42, 7, "ev-a", "ev-b")
	h.calendar.failDelete = map[string]bool{"ev-b": true}

	result, err := h.pipeline.Run(context.Background(), "hook-1", body("DELETE_RECORD", 42))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.corrs.deactivated) != 0 {
		t.Error("partial delete must leave the correlation active")
	}
	if corr.Active != true {
		t.Error("correlation flipped inactive despite a leftover event")
	}
	if len(result.Dispatch.Failed) != 1 || result.Dispatch.Failed[0].Target != "ev-b" {
		t.Errorf("failed = %+v, want ev-b recorded", result.Dispatch.Failed)
	}
}

func TestRunDeleteWithoutCorrelationIsInformational(t *testing.T) {
	h := newHarness()

	_, err := h.pipeline.Run(context.Background(), "hook-1", body("DELETE_RECORD", 123))
	if !apperr.Is(err, apperr.CodeNoCorrelation) {
		t.Fatalf("err = %v, want NO_CORRELATION", err)
	}
	if len(h.calendar.deleted) != 0 {
		t.Error("no correlation means no provider calls")
	}
}

func TestRunAddWithoutScheduleStillCorrelates(t *testing.T) {
	h := newHarness()
	raw := []byte(`{"type": "ADD_RECORD", "recordId": 51, "record": {"test01": "draft only"}}`)

	result, err := h.pipeline.Run(context.Background(), "hook-1", raw)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Done() {
		t.Errorf("state = %s, want DONE", result.State)
	}
	if len(h.calendar.created) != 0 {
		t.Error("no schedule means no creates")
	}
	corr, _ := h.corrs.FindActive(context.Background(), 51, 7)
	if corr == nil {
		t.Fatal("schedule-less record should still be correlated for later deliveries")
	}
	if len(corr.EventIDs) != 0 {
		t.Errorf("event ids = %v, want none", corr.EventIDs)
	}
}
