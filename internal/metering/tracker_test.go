package metering

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestUsageTrackerPersistsTenantUsage(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(UsageTrackerConfig{
		DB:        db,
		ClusterID: "prospector",
	})

	tracker.RecordLLMCall("tenant-a", "gpt-test", 10, 5)

	mock.ExpectExec("INSERT INTO prospector\\.prospector_usage").WithArgs(
		"tenant-a",
		"llm_call",
		1,
		10,
		5,
		sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))

	tracker.Flush(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUsageTrackerRetriesFailedPersistence(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(UsageTrackerConfig{
		DB:        db,
		ClusterID: "prospector",
	})

	tracker.RecordLLMCall("tenant-a", "gpt-test", 10, 5)

	mock.ExpectExec("INSERT INTO prospector\\.prospector_usage").WithArgs(
		"tenant-a",
		"llm_call",
		1,
		10,
		5,
		sqlmock.AnyArg(),
	).WillReturnError(sqlmock.ErrCancelled)

	tracker.Flush(context.Background())

	mock.ExpectExec("INSERT INTO prospector\\.prospector_usage").WithArgs(
		"tenant-a",
		"llm_call",
		1,
		10,
		5,
		sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))

	tracker.Flush(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUsageTrackerSplitsUsageByModel(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(UsageTrackerConfig{
		DB:        db,
		ClusterID: "prospector",
	})

	tracker.RecordLLMCall("tenant-a", "claude-sonnet-4-5", 10, 5)
	tracker.RecordLLMCall("tenant-a", "gpt-4.1-mini", 7, 3)

	// Map iteration order is not fixed, so match loosely on both rows.
	mock.ExpectExec("INSERT INTO prospector\\.prospector_usage").WithArgs(
		"tenant-a", "llm_call", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO prospector\\.prospector_usage").WithArgs(
		"tenant-a", "llm_call", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))

	tracker.Flush(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
