package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/capitalize-ai/concord/internal/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(bun.NewDB(db, pgdialect.New())), mock
}

func TestRecordModelCallUsesAtomicUpsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "model_call_records"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (model_id) DO UPDATE SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RecordModelCall(context.Background(), model.ModelCallRecord{
		ModelID:      "gpt-test",
		CallerType:   "workflow",
		CallerName:   "quote_request",
		PromptTokens: 12,
		Status:       model.CallSuccess,
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordModelCallRollsBackWhenCounterFails(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "model_call_records"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO model_usage_counters")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.RecordModelCall(context.Background(), model.ModelCallRecord{
		ModelID:    "gpt-test",
		CallerType: "workflow",
		CallerName: "quote_request",
		Status:     model.CallError,
		Error:      "upstream 500",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "increment usage counter")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordModelCallRequiresModel(t *testing.T) {
	s, mock := newMockStore(t)

	err := s.RecordModelCall(context.Background(), model.ModelCallRecord{CallerType: "workflow"})
	assert.True(t, model.IsValidation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
