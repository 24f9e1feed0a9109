package syncer

import (
	"context"
	"fmt"
	"time"

	"marketsync/internal/gateway"
	"marketsync/internal/models"
	"marketsync/internal/report"
)

// campaignReportFormat is the output format requested for campaign reports;
// it also tells the download step how to decompress.
const campaignReportFormat = gateway.FormatGzipJSON

// CampaignStatStore is the persistence surface the advertising-report
// processor writes through.
type CampaignStatStore interface {
	UpsertCampaignStats(ctx context.Context, stats []models.CampaignStat) (created, updated int, err error)
}

// AdsReports is the report-style processor: it submits the daily campaign
// report and drains every pending campaign report through the lifecycle
// manager.
type AdsReports struct {
	mgr       *report.Manager
	store     CampaignStatStore
	batchSize int
	now       func() time.Time
}

// NewAdsReports builds the advertising-reports processor.
func NewAdsReports(mgr *report.Manager, store CampaignStatStore, batchSize int) *AdsReports {
	return &AdsReports{mgr: mgr, store: store, batchSize: batchSize, now: time.Now}
}

func (p *AdsReports) Domain() Domain { return DomainReports }

// Run submits yesterday's campaign report (the platform's duplicate
// detection collapses re-submissions onto the outstanding report) and then
// polls every pending report, ingesting completed ones into campaign stats.
func (p *AdsReports) Run(ctx context.Context, _ *models.Job) (models.Counts, error) {
	day := p.now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	req := gateway.ReportRequest{
		Name:      fmt.Sprintf("campaign-performance-%s", day),
		StartDate: day,
		EndDate:   day,
		Configuration: gateway.ReportConfig{
			GroupBy:      []string{"campaign"},
			Columns:      []string{"campaignId", "date", "impressions", "clicks", "spend", "sales", "orders"},
			ReportTypeID: "CAMPAIGN_PERFORMANCE",
			TimeUnit:     "DAILY",
			Format:       campaignReportFormat,
		},
	}
	if _, _, err := p.mgr.Submit(ctx, models.ReportTypeAdsCampaign, req); err != nil {
		return models.Counts{}, err
	}
	return p.mgr.PollPending(ctx, models.ReportTypeAdsCampaign, campaignReportFormat, p.ingest)
}

// ingest upserts one campaign-stat row per report row in sub-batches, keyed
// by (campaign id, date). Rows without a resolvable campaign id or date are
// counted skipped, never failed.
func (p *AdsReports) ingest(ctx context.Context, rows []report.Row) (models.Counts, error) {
	var counts models.Counts
	batch := newBatcher(p.batchSize, func(ctx context.Context, stats []models.CampaignStat) error {
		created, updated, err := p.store.UpsertCampaignStats(ctx, stats)
		counts.Created += created
		counts.Updated += updated
		return err
	})
	for _, row := range rows {
		counts.Processed++
		campaignID := row.String("campaignId")
		if campaignID == "" {
			counts.Skipped++
			continue
		}
		date, err := time.Parse("2006-01-02", row.String("date"))
		if err != nil {
			counts.Skipped++
			continue
		}
		stat := models.CampaignStat{
			CampaignID:  campaignID,
			Date:        date,
			Impressions: row.Int("impressions"),
			Clicks:      row.Int("clicks"),
			Spend:       row.Float("spend"),
			Sales:       row.Float("sales"),
			Orders:      int(row.Int("orders")),
		}
		if err := batch.add(ctx, stat); err != nil {
			return counts, err
		}
	}
	return counts, batch.finish(ctx)
}
