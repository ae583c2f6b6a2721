package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/alejandrodnm/expgov/internal/domain"
)

// DefaultConversionActions son los action_type que cuentan como conversión
// cuando la config no define otros.
var DefaultConversionActions = []string{
	"purchase",
	"offsite_conversion.fb_pixel_purchase",
	"lead",
	"complete_registration",
}

// insightFields son los campos pedidos a /insights.
const insightFields = "spend,impressions,reach,frequency,clicks,cpc,ctr,cpm,actions,cost_per_action_type,purchase_roas"

// maxPages corta la paginación ante un cursor que no termina.
const maxPages = 50

// insightRow es una fila de /{entity}/insights con time_increment=1.
// La Graph API devuelve los números como strings.
type insightRow struct {
	DateStart   string          `json:"date_start"`
	Spend       json.RawMessage `json:"spend"`
	Impressions json.RawMessage `json:"impressions"`
	Clicks      json.RawMessage `json:"clicks"`
	Actions     []actionValue   `json:"actions"`
}

type actionValue struct {
	ActionType string          `json:"action_type"`
	Value      json.RawMessage `json:"value"`
}

type insightsPage struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// FetchDailyInsights devuelve una fila por día entre since y until (inclusive)
// para la entidad dada. Sigue la paginación de la Graph API.
func (c *Client) FetchDailyInsights(ctx context.Context, entityID string, level domain.EntityLevel, since, until time.Time) ([]domain.MetricRow, error) {
	if level == domain.LevelAny {
		level = domain.LevelCampaign
	}
	timeRange, _ := json.Marshal(map[string]string{
		"since": since.UTC().Format("2006-01-02"),
		"until": until.UTC().Format("2006-01-02"),
	})
	params := url.Values{}
	params.Set("level", string(level))
	params.Set("fields", insightFields)
	params.Set("time_range", string(timeRange))
	params.Set("time_increment", "1")

	next := c.endpoint(entityID+"/insights", params)
	var rows []domain.MetricRow
	for page := 0; next != "" && page < maxPages; page++ {
		var resp insightsPage
		if err := c.get(ctx, next, &resp); err != nil {
			return nil, fmt.Errorf("meta.FetchDailyInsights: %s: %w", entityID, err)
		}
		for _, raw := range resp.Data {
			row, err := c.toMetricRow(raw, entityID, level)
			if err != nil {
				return nil, fmt.Errorf("meta.FetchDailyInsights: %s: %w", entityID, err)
			}
			rows = append(rows, row)
		}
		next = resp.Paging.Next
	}
	return rows, nil
}

// toMetricRow mapea una fila cruda. Conserva el payload original en Raw.
func (c *Client) toMetricRow(raw json.RawMessage, entityID string, level domain.EntityLevel) (domain.MetricRow, error) {
	var r insightRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.MetricRow{}, fmt.Errorf("decode insight row: %w", err)
	}
	date, err := time.Parse("2006-01-02", r.DateStart)
	if err != nil {
		return domain.MetricRow{}, fmt.Errorf("parse date_start %q: %w", r.DateStart, err)
	}

	spend, _ := domain.ParseNumber(r.Spend)
	impressions, _ := domain.ParseNumber(r.Impressions)
	clicks, _ := domain.ParseNumber(r.Clicks)
	var conversions float64
	for _, a := range r.Actions {
		if !c.conversions[a.ActionType] {
			continue
		}
		if v, ok := domain.ParseNumber(a.Value); ok {
			conversions += v
		}
	}

	return domain.MetricRow{
		Level:    level,
		EntityID: entityID,
		Date:     date,
		Metrics: domain.DailyMetrics{
			Impressions: int64(impressions),
			Clicks:      int64(clicks),
			Conversions: int64(conversions),
			Spend:       spend,
		},
		Raw: raw,
	}, nil
}
