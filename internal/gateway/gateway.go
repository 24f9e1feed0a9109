// Package gateway is the client boundary to the external marketplace
// platform. It covers the two integration styles the platform exposes:
// synchronous paginated list calls with continuation tokens, and
// asynchronous report jobs (submit, poll, download).
package gateway

import (
	"context"
	"time"

	"marketsync/internal/models"
)

// Report output formats accepted by the platform. The declared format
// determines how a completed report body is decompressed and parsed;
// it is never guessed from the bytes.
const (
	FormatGzipJSON = "GZIP_JSON"
	FormatJSON     = "JSON"
	FormatTSV      = "TSV"
)

// ReportRequest is the configuration payload for submitting a report.
type ReportRequest struct {
	Name          string       `json:"name"`
	StartDate     string       `json:"startDate"`
	EndDate       string       `json:"endDate"`
	Configuration ReportConfig `json:"configuration"`
}

// ReportConfig mirrors the platform's nested report configuration object.
type ReportConfig struct {
	GroupBy      []string `json:"groupBy"`
	Columns      []string `json:"columns"`
	ReportTypeID string   `json:"reportTypeId"`
	TimeUnit     string   `json:"timeUnit"`
	Format       string   `json:"format"`
}

// ReportStatus is the platform's answer to a status poll. The status
// vocabulary varies between report families (DONE vs COMPLETED, CANCELLED
// vs FAILED) and is normalized by the report lifecycle manager.
type ReportStatus struct {
	Status        string `json:"status"`
	Location      string `json:"location,omitempty"`
	URL           string `json:"url,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// DownloadLocation returns whichever of the two location fields the platform
// populated for this report family.
func (s ReportStatus) DownloadLocation() string {
	if s.Location != "" {
		return s.Location
	}
	return s.URL
}

// OrdersPage is one page of orders plus the continuation token, empty on the
// last page.
type OrdersPage struct {
	Orders    []models.Order `json:"orders"`
	NextToken string         `json:"nextToken"`
}

// InventoryPage is one page of inventory levels.
type InventoryPage struct {
	Levels    []models.InventoryLevel `json:"levels"`
	NextToken string                  `json:"nextToken"`
}

// FinancialEventsPage is one page of financial events.
type FinancialEventsPage struct {
	Events    []models.FinancialEvent `json:"events"`
	NextToken string                  `json:"nextToken"`
}

// ProductsPage is one page of catalog entries.
type ProductsPage struct {
	Products  []models.Product `json:"products"`
	NextToken string           `json:"nextToken"`
}

// Client is the full marketplace surface the sync processors consume.
type Client interface {
	ListOrders(ctx context.Context, updatedAfter time.Time, nextToken string) (OrdersPage, error)
	ListInventory(ctx context.Context, nextToken string) (InventoryPage, error)
	ListFinancialEvents(ctx context.Context, postedAfter time.Time, nextToken string) (FinancialEventsPage, error)
	ListProducts(ctx context.Context, nextToken string) (ProductsPage, error)

	// CreateReport submits a report configuration and returns the platform's
	// report id. A duplicate submission surfaces as *DuplicateReportError.
	CreateReport(ctx context.Context, req ReportRequest) (string, error)
	GetReportStatus(ctx context.Context, reportID string) (ReportStatus, error)
	// DownloadReport fetches the raw report body from the location the status
	// poll returned. Gzip bodies are transparently decompressed when the
	// report's declared format is compressed.
	DownloadReport(ctx context.Context, location string, format string) ([]byte, error)
}
