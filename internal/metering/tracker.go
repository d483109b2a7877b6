package metering

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"tenderworks/api_prospector/pkg/logging"
)

type contextKey struct{}

type Context struct {
	TenantID string
	UserID   string
	Tracker  *UsageTracker
}

func WithContext(ctx context.Context, meterCtx *Context) context.Context {
	if meterCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, meterCtx)
}

func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	value := ctx.Value(contextKey{})
	if meterCtx, ok := value.(*Context); ok && meterCtx != nil {
		return meterCtx, true
	}
	return nil, false
}

// RecordLLMUsage attributes one LLM call to the tenant on ctx. The model is
// the one that actually served the call, which may be the fallback.
func RecordLLMUsage(ctx context.Context, model string, inputTokens, outputTokens int) {
	meterCtx, ok := FromContext(ctx)
	if !ok || meterCtx.Tracker == nil || meterCtx.TenantID == "" {
		return
	}
	meterCtx.Tracker.RecordLLMCall(meterCtx.TenantID, model, inputTokens, outputTokens)
}

func RecordSearchQuery(ctx context.Context) {
	meterCtx, ok := FromContext(ctx)
	if !ok || meterCtx.Tracker == nil || meterCtx.TenantID == "" {
		return
	}
	meterCtx.Tracker.RecordSearchQuery(meterCtx.TenantID)
}

func RecordEmbedding(ctx context.Context) {
	meterCtx, ok := FromContext(ctx)
	if !ok || meterCtx.Tracker == nil || meterCtx.TenantID == "" {
		return
	}
	meterCtx.Tracker.RecordEmbedding(meterCtx.TenantID)
}

// RecordDeepSearch counts one full deep-search fan-out run.
func RecordDeepSearch(ctx context.Context) {
	meterCtx, ok := FromContext(ctx)
	if !ok || meterCtx.Tracker == nil || meterCtx.TenantID == "" {
		return
	}
	meterCtx.Tracker.RecordDeepSearch(meterCtx.TenantID)
}

type UsageTrackerConfig struct {
	DB            *sql.DB
	Publisher     *Publisher
	Logger        logging.Logger
	ClusterID     string
	FlushInterval time.Duration
}

type UsageTracker struct {
	db            *sql.DB
	publisher     *Publisher
	logger        logging.Logger
	clusterID     string
	flushInterval time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}
	mu            sync.Mutex
	lastFlush     time.Time
	usageByTenant map[string]*tenantUsage
	pendingMu     sync.Mutex
	pending       []UsageSummary
}

type llmUsage struct {
	calls        int
	inputTokens  int
	outputTokens int
}

type tenantUsage struct {
	llmByModel   map[string]*llmUsage
	searches     int
	embeddings   int
	deepSearches int
}

func (u *tenantUsage) llmTotals() (calls, inputTokens, outputTokens int) {
	for _, usage := range u.llmByModel {
		calls += usage.calls
		inputTokens += usage.inputTokens
		outputTokens += usage.outputTokens
	}
	return calls, inputTokens, outputTokens
}

func NewUsageTracker(cfg UsageTrackerConfig) *UsageTracker {
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	clusterID := cfg.ClusterID
	if clusterID == "" {
		clusterID = "prospector"
	}
	return &UsageTracker{
		db:            cfg.DB,
		publisher:     cfg.Publisher,
		logger:        cfg.Logger,
		clusterID:     clusterID,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		lastFlush:     time.Now(),
		usageByTenant: make(map[string]*tenantUsage),
	}
}

func (t *UsageTracker) Start() {
	if t == nil {
		return
	}
	go t.loop()
}

func (t *UsageTracker) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

func (t *UsageTracker) RecordLLMCall(tenantID, model string, inputTokens, outputTokens int) {
	if t == nil || tenantID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := t.ensureTenant(tenantID)
	if usage.llmByModel == nil {
		usage.llmByModel = make(map[string]*llmUsage)
	}
	perModel, ok := usage.llmByModel[model]
	if !ok {
		perModel = &llmUsage{}
		usage.llmByModel[model] = perModel
	}
	perModel.calls++
	perModel.inputTokens += inputTokens
	perModel.outputTokens += outputTokens
}

func (t *UsageTracker) RecordSearchQuery(tenantID string) {
	if t == nil || tenantID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := t.ensureTenant(tenantID)
	usage.searches++
}

func (t *UsageTracker) RecordEmbedding(tenantID string) {
	if t == nil || tenantID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := t.ensureTenant(tenantID)
	usage.embeddings++
}

func (t *UsageTracker) RecordDeepSearch(tenantID string) {
	if t == nil || tenantID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := t.ensureTenant(tenantID)
	usage.deepSearches++
}

func (t *UsageTracker) loop() {
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Flush(context.Background())
		case <-t.stopCh:
			t.Flush(context.Background())
			return
		}
	}
}

func (t *UsageTracker) Flush(ctx context.Context) {
	if t == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	t.retryPendingSummaries(ctx)

	t.mu.Lock()
	if len(t.usageByTenant) == 0 {
		t.lastFlush = now
		t.mu.Unlock()
		return
	}
	snapshot := t.usageByTenant
	t.usageByTenant = make(map[string]*tenantUsage)
	windowStart := t.lastFlush
	t.lastFlush = now
	t.mu.Unlock()

	for tenantID, usage := range snapshot {
		t.flushTenant(ctx, tenantID, usage, windowStart, now)
	}
}

func (t *UsageTracker) flushTenant(ctx context.Context, tenantID string, usage *tenantUsage, windowStart, windowEnd time.Time) {
	if tenantID == "" || usage == nil {
		return
	}

	llmCalls, _, _ := usage.llmTotals()
	if llmCalls == 0 && usage.searches == 0 && usage.embeddings == 0 && usage.deepSearches == 0 {
		return
	}

	if err := t.persistUsage(ctx, tenantID, usage); err != nil {
		t.requeueUsage(tenantID, usage)
		return
	}

	if t.publisher != nil {
		summary := t.buildUsageSummary(tenantID, usage, windowStart, windowEnd)
		if err := t.publisher.PublishUsageSummary(summary); err != nil {
			t.enqueueSummary(summary)
			if t.logger != nil {
				t.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to publish Prospector usage summary")
			}
		}
	}
}

func (t *UsageTracker) persistUsage(ctx context.Context, tenantID string, usage *tenantUsage) error {
	if t.db == nil {
		return nil
	}
	var errs []error
	for model, perModel := range usage.llmByModel {
		if err := t.insertUsageRow(ctx, tenantID, "llm_call", perModel.calls, perModel.inputTokens, perModel.outputTokens, model); err != nil {
			errs = append(errs, err)
		}
	}
	if usage.searches > 0 {
		if err := t.insertUsageRow(ctx, tenantID, "search_query", usage.searches, 0, 0, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if usage.embeddings > 0 {
		if err := t.insertUsageRow(ctx, tenantID, "embedding", usage.embeddings, 0, 0, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if usage.deepSearches > 0 {
		if err := t.insertUsageRow(ctx, tenantID, "deep_search", usage.deepSearches, 0, 0, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("persist usage failed with %d error(s)", len(errs))
	}
	return nil
}

func (t *UsageTracker) insertUsageRow(ctx context.Context, tenantID, eventType string, count, inputTokens, outputTokens int, model string) error {
	if count <= 0 {
		return nil
	}
	var modelValue sql.NullString
	if model != "" {
		modelValue = sql.NullString{String: model, Valid: true}
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO prospector.prospector_usage (
			tenant_id,
			event_type,
			event_count,
			tokens_input,
			tokens_output,
			model,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, tenantID, eventType, count, inputTokens, outputTokens, modelValue)
	if err != nil && t.logger != nil {
		t.logger.WithError(err).WithFields(logging.Fields{
			"tenant_id":  tenantID,
			"event_type": eventType,
		}).Warn("Failed to persist Prospector usage")
	}
	return err
}

func (t *UsageTracker) buildUsageSummary(tenantID string, usage *tenantUsage, windowStart, windowEnd time.Time) UsageSummary {
	llmCalls, inputTokens, outputTokens := usage.llmTotals()
	totalRequests := llmCalls + usage.searches + usage.embeddings + usage.deepSearches
	totalTokens := inputTokens + outputTokens
	breakdown := make([]APIUsageBreakdown, 0, 4)

	if llmCalls > 0 {
		breakdown = append(breakdown, APIUsageBreakdown{
			AuthType:      "prospector",
			OperationType: "llm_call",
			OperationName: "prospector_chat",
			Requests:      float64(llmCalls),
			Complexity:    float64(totalTokens),
		})
	}
	if usage.searches > 0 {
		breakdown = append(breakdown, APIUsageBreakdown{
			AuthType:      "prospector",
			OperationType: "search_query",
			OperationName: "prospector_search",
			Requests:      float64(usage.searches),
		})
	}
	if usage.embeddings > 0 {
		breakdown = append(breakdown, APIUsageBreakdown{
			AuthType:      "prospector",
			OperationType: "embedding",
			OperationName: "prospector_embedding",
			Requests:      float64(usage.embeddings),
		})
	}
	if usage.deepSearches > 0 {
		breakdown = append(breakdown, APIUsageBreakdown{
			AuthType:      "prospector",
			OperationType: "deep_search",
			OperationName: "prospector_deep_search",
			Requests:      float64(usage.deepSearches),
		})
	}

	period := fmt.Sprintf("%s/%s", windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339))

	return UsageSummary{
		TenantID:      tenantID,
		ClusterID:     t.clusterID,
		Period:        period,
		Timestamp:     windowEnd,
		APIRequests:   float64(totalRequests),
		APIComplexity: float64(totalTokens),
		APIBreakdown:  breakdown,
	}
}

func (t *UsageTracker) ensureTenant(tenantID string) *tenantUsage {
	usage, ok := t.usageByTenant[tenantID]
	if !ok {
		usage = &tenantUsage{}
		t.usageByTenant[tenantID] = usage
	}
	return usage
}

func (t *UsageTracker) requeueUsage(tenantID string, usage *tenantUsage) {
	if t == nil || tenantID == "" || usage == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.ensureTenant(tenantID)
	for model, perModel := range usage.llmByModel {
		if current.llmByModel == nil {
			current.llmByModel = make(map[string]*llmUsage)
		}
		existing, ok := current.llmByModel[model]
		if !ok {
			existing = &llmUsage{}
			current.llmByModel[model] = existing
		}
		existing.calls += perModel.calls
		existing.inputTokens += perModel.inputTokens
		existing.outputTokens += perModel.outputTokens
	}
	current.searches += usage.searches
	current.embeddings += usage.embeddings
	current.deepSearches += usage.deepSearches
}

func (t *UsageTracker) enqueueSummary(summary UsageSummary) {
	if t == nil {
		return
	}
	t.pendingMu.Lock()
	t.pending = append(t.pending, summary)
	t.pendingMu.Unlock()
}

func (t *UsageTracker) retryPendingSummaries(ctx context.Context) {
	if t == nil || t.publisher == nil {
		return
	}
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = nil
	t.pendingMu.Unlock()
	if len(pending) == 0 {
		return
	}
	var remaining []UsageSummary
	for _, summary := range pending {
		if err := t.publisher.PublishUsageSummary(summary); err != nil {
			remaining = append(remaining, summary)
			if t.logger != nil {
				t.logger.WithError(err).WithField("tenant_id", summary.TenantID).Warn("Failed to retry Prospector usage summary")
			}
		}
	}
	if len(remaining) > 0 {
		t.pendingMu.Lock()
		t.pending = append(t.pending, remaining...)
		t.pendingMu.Unlock()
	}
}
