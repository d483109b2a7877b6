package metering

import "time"

// UsageSummary is the billing payload published per tenant per flush window.
type UsageSummary struct {
	TenantID      string              `json:"tenant_id"`
	ClusterID     string              `json:"cluster_id"`
	Period        string              `json:"period"`
	Timestamp     time.Time           `json:"timestamp"`
	APIRequests   float64             `json:"api_requests"`
	APIErrors     float64             `json:"api_errors"`
	APIDurationMs float64             `json:"api_duration_ms"`
	APIComplexity float64             `json:"api_complexity"`
	APIBreakdown  []APIUsageBreakdown `json:"api_breakdown,omitempty"`
}

// APIUsageBreakdown itemizes one operation type within a summary.
type APIUsageBreakdown struct {
	AuthType      string  `json:"auth_type"`
	OperationType string  `json:"operation_type"`
	OperationName string  `json:"operation_name"`
	Requests      float64 `json:"requests"`
	Errors        float64 `json:"errors"`
	DurationMs    float64 `json:"duration_ms"`
	Complexity    float64 `json:"complexity"`
}
