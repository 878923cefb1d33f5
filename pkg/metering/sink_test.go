package metering_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/gantry/pkg/metering"
)

func TestPostgresSinkFlush(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS metering_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	sink, err := metering.NewPostgresSink(context.Background(), db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO metering_events")
	mock.ExpectExec("INSERT INTO metering_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	now := time.Now().UTC()
	err = sink.Flush(context.Background(), "j1", []metering.Event{{
		ID:          "evt-1",
		JobID:       "j1",
		TenantID:    "t1",
		EventType:   metering.EventAPICall,
		Provider:    "perplexity",
		Operation:   "search",
		Quantity:    1,
		Unit:        "requests",
		CostUSD:     0.005,
		StartedAt:   now,
		CompletedAt: now,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
