// Package sourceplatform implements the outbound port for the JustSFA
// form platform.
package sourceplatform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"calsync_server/core/port/out"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/httputil"
	"calsync_server/pkg/logger"
)

// Settings keys posted from the setup form. The hyphenated names come from
// the form field definitions and are kept as-is on the wire.
const (
	settingTenant     = "tenant"
	settingAPIKey     = "api-key"
	settingTableID    = "teble-id" // typo is part of the form contract
	settingPanelID    = "panel-id"
	settingFilterID   = "filter-id"
	settingScheduleID = "schedule-id"
	settingSubjectID  = "subject-id"
	settingLocationID = "location-id"
	settingDetailID   = "detail-id"
)

// JustSFAAdapter implements out.SourcePlatformPort against the JustSFA
// records API.
type JustSFAAdapter struct {
	client *http.Client
}

func NewJustSFAAdapter() *JustSFAAdapter {
	return &JustSFAAdapter{client: httputil.SourcePlatformClient()}
}

// ValidateSettings probes the tenant's records API with the submitted
// settings and verifies the configured field ids exist on a real record.
func (a *JustSFAAdapter) ValidateSettings(ctx context.Context, settings map[string]string) (bool, error) {
	for _, key := range []string{settingTenant, settingAPIKey, settingTableID, settingPanelID, settingFilterID} {
		if settings[key] == "" {
			return false, apperr.BadPayload(fmt.Sprintf("source platform setting %q is missing", key))
		}
	}

	apiURL := recordsURL(settings[settingTenant], settings[settingTableID], settings[settingPanelID], settings[settingFilterID])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+settings[settingAPIKey])

	resp, err := a.client.Do(req)
	if err != nil {
		return false, apperr.Provider("source-platform-validate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("source platform probe returned status %d for tenant %s", resp.StatusCode, settings[settingTenant])
		return false, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, apperr.Provider("source-platform-validate", err)
	}

	var records []struct {
		Record map[string]json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(body, &records); err != nil || len(records) == 0 {
		logger.Warn("source platform probe returned no usable records for tenant %s", settings[settingTenant])
		return false, nil
	}

	required := []string{
		"test01",
		settings[settingLocationID],
		settings[settingScheduleID],
		settings[settingSubjectID],
		settings[settingDetailID],
	}
	record := records[0].Record
	if record == nil {
		return false, nil
	}
	for _, field := range required {
		if _, ok := record[field]; !ok {
			logger.Warn("source platform record is missing field %q", field)
			return false, nil
		}
	}
	return true, nil
}

// recordsURL builds the records API endpoint. Tenants normally live under
// justsfa.com; a tenant value carrying a just-db.com host is used verbatim.
func recordsURL(tenant, tableID, panelID, filterID string) string {
	if strings.HasSuffix(tenant, ".just-db.com") {
		return fmt.Sprintf("https://%s/sites/api/services/v1/tables/%s/records/?panelName=%s&filterName=%s&limit=30",
			tenant, tableID, panelID, filterID)
	}
	return fmt.Sprintf("https://%s.justsfa.com/sites/api/services/v1/tables/%s/records/?panelName=%s&filterName=%s&limit=30",
		tenant, tableID, panelID, filterID)
}

var _ out.SourcePlatformPort = (*JustSFAAdapter)(nil)
