package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/storage"
)

func createTestStatement() []*models.Transaction {
	return []*models.Transaction{
		newTx("", "TRF 250157", 250157),
		newTx("", "TRF  250157", 250157),
		newTx("", "TRANSFER DARI BUDI SANTOSO C 11 / 9", 250000),
		newTx("", "TAGIHAN PLN PASCABAYAR", 450000),
		newTx("", "SETORAN TUNAI", 123456),
		newTx("", "SALDO AWAL", 0),
	}
}

func createTestRequest() *ImportRequest {
	return &ImportRequest{
		BatchID:   "batch-1",
		Residents: createTestResidents(),
		Payments: []*models.Payment{{
			ID: "p-1", ResidentID: "r-157", Amount: decimal.NewFromInt(250157), PaymentDate: testDate.AddDate(0, 0, -2),
		}},
		Transactions: createTestStatement(),
	}
}

func TestNewOrchestratorRequiresEngine(t *testing.T) {
	_, err := NewOrchestrator(nil, nil)
	assert.Error(t, err)
}

func TestPreprocessTransactions(t *testing.T) {
	dp := NewDataPreprocessor(nil)
	statement := createTestStatement()
	statement = append(statement, models.NewTransaction("", time.Time{}, "TANPA TANGGAL", decimal.NewFromInt(5000)))

	prepared, stats := dp.PreprocessTransactions("batch-1", statement)

	assert.Equal(t, 7, stats.Input)
	assert.Equal(t, 1, stats.ZeroAmount)
	assert.Equal(t, 1, stats.Invalid)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, 1, stats.Duplicates, "whitespace-only differences are exact duplicates")
	assert.Equal(t, 4, stats.Output)
	require.Len(t, prepared, 4)

	ids := make(map[string]bool)
	for _, tx := range prepared {
		assert.Equal(t, "batch-1", tx.ImportBatch)
		assert.Equal(t, models.StateUnverified, tx.State)
		assert.NotContains(t, tx.Description, "  ")
		ids[tx.ID] = true
	}
	assert.Len(t, ids, 4)

	again, _ := dp.PreprocessTransactions("batch-2", createTestStatement())
	for i := range prepared {
		assert.Equal(t, prepared[i].ID, again[i].ID, "ids are stable across uploads")
	}
	assert.Empty(t, statement[0].ID, "input lines are not modified")
}

func TestPreprocessKeepsRepeatedLinesWithDistinctBalances(t *testing.T) {
	first := newTx("", "TRF 250157", 250157)
	second := newTx("", "TRF 250157", 250157)
	b1, b2 := decimal.NewFromInt(1000000), decimal.NewFromInt(1250157)
	first.Balance, second.Balance = &b1, &b2

	prepared, stats := NewDataPreprocessor(nil).PreprocessTransactions("b", []*models.Transaction{first, second})
	assert.Zero(t, stats.Duplicates)
	require.Len(t, prepared, 2)
	assert.NotEqual(t, prepared[0].ID, prepared[1].ID)
}

func TestImport(t *testing.T) {
	repositories := map[string]storage.Repository{
		"memory": storage.NewMemoryRepository(),
	}
	sqlite, err := storage.NewSQLiteRepository(context.Background(), filepath.Join(t.TempDir(), "dues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	repositories["sqlite"] = sqlite

	for name, repo := range repositories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			engine := createTestEngine(t, repo)
			orchestrator, err := NewOrchestrator(engine, nil)
			require.NoError(t, err)

			var steps []ImportProgress
			orchestrator.AddProgressCallback(func(p ImportProgress) {
				steps = append(steps, p)
			})

			result, err := orchestrator.Import(ctx, createTestRequest())
			require.NoError(t, err)

			assert.Equal(t, "batch-1", result.BatchID)
			assert.Equal(t, 4, result.Inserted)
			assert.Zero(t, result.AlreadyStored)
			assert.Equal(t, 1, result.Preprocessing.Duplicates)
			assert.Equal(t, 1, result.Preprocessing.ZeroAmount)
			require.NotNil(t, result.Batch)
			assert.Equal(t, 2, result.Batch.Summary.AutoVerified)
			assert.Equal(t, 1, result.Batch.Summary.Omitted)
			assert.Equal(t, 1, result.Batch.Summary.ManualReview)

			require.Len(t, steps, importSteps)
			assert.Equal(t, importSteps, steps[len(steps)-1].CompletedSteps)

			queue, err := repo.ListTransactions(ctx, storage.TransactionFilter{
				States: []models.VerificationState{models.StateUnverified},
			})
			require.NoError(t, err)
			require.Len(t, queue, 1)
			assert.Equal(t, "SETORAN TUNAI", queue[0].Description)

			// Uploading the same statement again stores nothing new and only
			// retries the mutation still waiting for review
			again, err := orchestrator.Import(ctx, &ImportRequest{BatchID: "batch-2", Transactions: createTestStatement()})
			require.NoError(t, err)
			assert.Zero(t, again.Inserted)
			assert.Equal(t, 4, again.AlreadyStored)
			assert.Equal(t, 4, again.Batch.Summary.Total)
			assert.Equal(t, 3, again.Batch.Summary.Skipped)
			assert.Equal(t, 1, again.Batch.Summary.ManualReview)

			audit, err := repo.ListAudit(ctx, "")
			require.NoError(t, err)
			assert.Len(t, audit, 2, "one auto-match record per auto-verified mutation")
		})
	}
}

func TestImportRejectsNilRequest(t *testing.T) {
	engine := createTestEngine(t, storage.NewMemoryRepository())
	orchestrator, err := NewOrchestrator(engine, nil)
	require.NoError(t, err)

	_, err = orchestrator.Import(context.Background(), nil)
	assert.Error(t, err)
}
