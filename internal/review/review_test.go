package review

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/reconciler"
	"dues-reconciliation-service/internal/storage"
	"dues-reconciliation-service/pkg/errors"
)

var testDate = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

func createTestResidents() []*models.Resident {
	return []*models.Resident{
		{ID: "r-157", Name: "Siti Rahayu", Block: "A1", HouseNumber: "57", PaymentIndex: 157, Active: true},
		{ID: "r-1109", Name: "Budi Santoso", Block: "C11", HouseNumber: "9", Active: true},
		{ID: "r-1110", Name: "Agus Wibowo", Block: "C11", HouseNumber: "10", Active: true},
		{ID: "r-205", Name: "Dewi Lestari", Block: "B2", HouseNumber: "5", Active: true},
	}
}

func newTx(id, desc string, amount int64) *models.Transaction {
	return models.NewTransaction(id, testDate, desc, decimal.NewFromInt(amount))
}

type testEnv struct {
	repo     *storage.MemoryRepository
	engine   *reconciler.VerificationEngine
	workflow *Workflow
}

func createTestEnv(t *testing.T, txs ...*models.Transaction) *testEnv {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.SaveResidents(ctx, createTestResidents()))
	require.NoError(t, repo.SavePayments(ctx, []*models.Payment{{
		ID: "p-1", ResidentID: "r-157", Amount: decimal.NewFromInt(250157), PaymentDate: testDate.AddDate(0, 0, -2),
	}}))
	if len(txs) > 0 {
		_, err := repo.SaveTransactions(ctx, txs)
		require.NoError(t, err)
	}

	engine, err := reconciler.NewVerificationEngine(repo, reconciler.DefaultConfig())
	require.NoError(t, err)
	engine.SetClock(func() time.Time { return testDate })
	require.NoError(t, engine.Initialize(ctx))

	workflow, err := NewWorkflow(engine)
	require.NoError(t, err)
	return &testEnv{repo: repo, engine: engine, workflow: workflow}
}

func (env *testEnv) process(t *testing.T, ids ...string) {
	t.Helper()
	ctx := context.Background()
	var txs []*models.Transaction
	for _, id := range ids {
		tx, err := env.repo.GetTransaction(ctx, id)
		require.NoError(t, err)
		txs = append(txs, tx)
	}
	_, err := env.engine.ProcessBatch(ctx, txs)
	require.NoError(t, err)
}

func (env *testEnv) transaction(t *testing.T, id string) *models.Transaction {
	t.Helper()
	tx, err := env.repo.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func TestNewWorkflowRequiresEngine(t *testing.T) {
	_, err := NewWorkflow(nil)
	assert.Error(t, err)
}

func TestQueuePriorities(t *testing.T) {
	env := createTestEnv(t,
		newTx("tx-none", "SETORAN TUNAI", 123456),
		newTx("tx-index", "TRF 250157", 250157),
		newTx("tx-large", "TRANSFER DARI BUDI SANTOSO C 11 / 9", 6000000),
		newTx("tx-moderate", "TRANSFER DARI BUDI SANTOSO C 11 / 9", 2000000),
		newTx("tx-utility", "TAGIHAN PLN PASCABAYAR", 450000),
	)
	env.process(t, "tx-utility")
	ctx := context.Background()

	items, err := env.workflow.Queue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 4, "omitted mutations are not queued")

	got := make(map[string]*Item)
	var order []string
	for _, item := range items {
		got[item.Transaction.ID] = item
		order = append(order, item.Transaction.ID)
	}
	assert.Equal(t, []string{"tx-large", "tx-none", "tx-moderate", "tx-index"}, order)

	assert.Equal(t, PriorityHigh, got["tx-none"].Priority)
	assert.Empty(t, got["tx-none"].Suggestions)
	assert.Equal(t, models.TierManualReview, got["tx-none"].Tier)

	assert.Equal(t, PriorityHigh, got["tx-large"].Priority)
	assert.Equal(t, PriorityMedium, got["tx-moderate"].Priority)

	index := got["tx-index"]
	assert.Equal(t, PriorityLow, index.Priority)
	require.NotEmpty(t, index.Suggestions)
	assert.Equal(t, "r-157", index.Suggestions[0].ResidentID)
	assert.Equal(t, "Siti Rahayu", index.Suggestions[0].ResidentName)
	assert.Equal(t, "p-1", index.Suggestions[0].PaymentID)
	assert.Equal(t, SourceRule, index.Suggestions[0].Source)

	limited, err := env.workflow.Queue(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestScenarioDOperatorMatchTeaches(t *testing.T) {
	env := createTestEnv(t,
		newTx("tx-d", "TRF MAMA KIKI", 250000),
		newTx("tx-next", "TRF MAMA KIKI", 250000),
	)
	ctx := context.Background()

	item, err := env.workflow.Item(ctx, "tx-d")
	require.NoError(t, err)
	assert.Equal(t, models.TierManualReview, item.Tier)
	assert.Empty(t, item.Suggestions)
	assert.Equal(t, PriorityHigh, item.Priority)

	record, err := env.workflow.RecordOperatorDecision(ctx, Decision{
		TransactionID: "tx-d", Kind: DecisionMatch, ResidentID: "r-205", Actor: "treasurer",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionManualOverride, record.Action)
	assert.Equal(t, "r-205", record.NewResidentID)
	assert.Empty(t, record.PreviousResidentID)
	assert.Equal(t, testDate, record.CreatedAt)

	tx := env.transaction(t, "tx-d")
	assert.Equal(t, models.StateVerified, tx.State)
	assert.Equal(t, "r-205", tx.MatchedResidentID)
	assert.Equal(t, models.StrategyManual, tx.MatchStrategy)
	assert.Equal(t, models.CategoryDues, tx.Category)

	learned, ok := env.engine.Learning().Record("r-205")
	require.True(t, ok)
	assert.Equal(t, 1, learned.TotalVerifications)
	assert.NotEmpty(t, learned.KeywordPatterns)
	assert.NotEmpty(t, learned.AmountPatterns)

	next, err := env.workflow.Item(ctx, "tx-next")
	require.NoError(t, err)
	require.NotEmpty(t, next.Suggestions)
	assert.Equal(t, "r-205", next.Suggestions[0].ResidentID)
	assert.GreaterOrEqual(t, next.Suggestions[0].Confidence, 0.9)
	assert.Len(t, next.Suggestions, 1, "suggestions are deduplicated per resident")
}

func TestGenericLearnedMatchIsNotAutoVerified(t *testing.T) {
	env := createTestEnv(t,
		newTx("tx-first", "TRANSFER IURAN BULANAN", 250000),
		newTx("tx-again", "TRANSFER IURAN BULANAN", 250000),
	)
	ctx := context.Background()

	_, err := env.workflow.RecordOperatorDecision(ctx, Decision{
		TransactionID: "tx-first", Kind: DecisionMatch, ResidentID: "r-205", Actor: "treasurer",
	})
	require.NoError(t, err)

	learned, ok := env.engine.Learning().Record("r-205")
	require.True(t, ok)
	assert.Empty(t, learned.NamePatterns, "dues and banking words are not names")

	outcome, err := env.engine.ClassifyAndMatch(ctx, env.transaction(t, "tx-again"))
	require.NoError(t, err)
	assert.NotEqual(t, models.TierAutoVerified, outcome.Tier)
	assert.Equal(t, models.TierAssistedReview, outcome.Tier)
	require.NotNil(t, outcome.Match)
	assert.Equal(t, "r-205", outcome.Match.ResidentID)
	assert.Equal(t, models.StrategyLearned, outcome.Match.Strategy)
	assert.True(t, outcome.Match.RequiresReview)
	assert.Less(t, outcome.Match.Confidence, env.engine.Config().Matching.Tiers.AutoVerify)
}

func TestOperatorConfidenceIsLearned(t *testing.T) {
	env := createTestEnv(t,
		newTx("tx-1", "TRF MAMA KIKI", 250000),
		newTx("tx-2", "TRF MAMA KIKI", 250000),
	)
	ctx := context.Background()

	record, err := env.workflow.RecordOperatorDecision(ctx, Decision{
		TransactionID: "tx-1", Kind: DecisionMatch, ResidentID: "r-205", Confidence: 0.6, Actor: "treasurer",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.6, record.Confidence)
	assert.Equal(t, 0.6, env.transaction(t, "tx-1").MatchConfidence)

	record, err = env.workflow.RecordOperatorDecision(ctx, Decision{
		TransactionID: "tx-2", Kind: DecisionMatch, ResidentID: "r-205", Actor: "treasurer",
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, record.Confidence, "unset confidence defaults to 1")

	learned, ok := env.engine.Learning().Record("r-205")
	require.True(t, ok)
	assert.Equal(t, 2, learned.TotalVerifications)
	assert.InDelta(t, 0.8, learned.AverageConfidence, 1e-9)
	require.NotEmpty(t, learned.NamePatterns)
	name := learned.NamePatterns[0]
	assert.Equal(t, "MAMA KIKI", name.Pattern)
	assert.Equal(t, 2, name.Frequency)
	assert.InDelta(t, 0.7*0.6+0.3*1.0, name.Confidence, 1e-9)

	_, err = env.workflow.RecordOperatorDecision(ctx, Decision{
		TransactionID: "tx-2", Kind: DecisionUnmatch, Confidence: 1.5, Actor: "treasurer",
	})
	assert.True(t, errors.IsCode(err, errors.CodeOutOfRange))
}

func TestMatchConfirmsTentativePointer(t *testing.T) {
	tentative := newTx("tx-1", "TRANSFER BUDI", 250000)
	tentative.MatchedResidentID = "r-1109"
	tentative.MatchConfidence = 0.6
	tentative.MatchStrategy = models.StrategyName
	other := newTx("tx-2", "TRANSFER BUDI", 300000)
	other.MatchedResidentID = "r-1109"
	other.MatchConfidence = 0.6
	env := createTestEnv(t, tentative, other)
	ctx := context.Background()

	record, err := env.workflow.RecordOperatorDecision(ctx, Decision{
		TransactionID: "tx-1", Kind: DecisionMatch, ResidentID: "r-1109", Actor: "treasurer",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionManualConfirm, record.Action)
	assert.Equal(t, "r-1109", record.PreviousResidentID)
	tx := env.transaction(t, "tx-1")
	assert.Equal(t, models.StrategyName, tx.MatchStrategy)
	assert.Equal(t, 1.0, tx.MatchConfidence)

	record, err = env.workflow.RecordOperatorDecision(ctx, Decision{
		TransactionID: "tx-2", Kind: DecisionMatch, ResidentID: "r-1110", PaymentID: "p-9", Actor: "treasurer",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionManualOverride, record.Action)
	assert.Equal(t, "r-1109", record.PreviousResidentID)
	assert.Equal(t, "r-1110", record.NewResidentID)
	assert.Equal(t, "p-9", env.transaction(t, "tx-2").MatchedPaymentID)
}

func TestUnmatchRevertsAutoVerified(t *testing.T) {
	env := createTestEnv(t, newTx("tx-a", "TRF 250157", 250157))
	env.process(t, "tx-a")
	require.Equal(t, models.StateVerified, env.transaction(t, "tx-a").State)
	ctx := context.Background()

	record, err := env.workflow.RecordOperatorDecision(ctx, Decision{
		TransactionID: "tx-a", Kind: DecisionUnmatch, Actor: "treasurer", Notes: "wrong house",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionSystemUnmatch, record.Action)
	assert.Equal(t, "r-157", record.PreviousResidentID)
	assert.Equal(t, "p-1", record.PreviousPaymentID)

	tx := env.transaction(t, "tx-a")
	assert.Equal(t, models.StateUnverified, tx.State)
	assert.False(t, tx.IsMatched())

	audit, err := env.repo.ListAudit(ctx, "tx-a")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, models.ActionAutoMatch, audit[0].Action)
	assert.Equal(t, models.ActionSystemUnmatch, audit[1].Action)

	items, err := env.workflow.Queue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1, "unmatched mutations return to the queue")

	_, err = env.workflow.RecordOperatorDecision(ctx, Decision{
		TransactionID: "tx-a", Kind: DecisionUnmatch, Actor: "treasurer",
	})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidDecision))
}

func TestSkipAndFlagAreAudited(t *testing.T) {
	env := createTestEnv(t, newTx("tx-1", "SETORAN TUNAI", 123456))
	ctx := context.Background()

	for _, kind := range []DecisionKind{DecisionSkip, DecisionFlag} {
		_, err := env.workflow.RecordOperatorDecision(ctx, Decision{
			TransactionID: "tx-1", Kind: kind, Actor: "treasurer",
		})
		require.NoError(t, err)
	}

	audit, err := env.repo.ListAudit(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, models.ActionManualSkip, audit[0].Action)
	assert.Equal(t, models.ActionManualFlag, audit[1].Action)
	assert.Equal(t, models.StateUnverified, env.transaction(t, "tx-1").State)
}

func TestOmitRemovesFromQueue(t *testing.T) {
	env := createTestEnv(t, newTx("tx-1", "SETORAN TUNAI", 123456))
	ctx := context.Background()

	record, err := env.workflow.RecordOperatorDecision(ctx, Decision{
		TransactionID: "tx-1", Kind: DecisionOmit, Actor: "treasurer",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionManualOmit, record.Action)

	tx := env.transaction(t, "tx-1")
	assert.Equal(t, models.StateOmitted, tx.State)
	assert.True(t, tx.Omitted)
	assert.Equal(t, "omitted by treasurer", tx.OmitReason)

	items, err := env.workflow.Queue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDecisionErrors(t *testing.T) {
	verified := newTx("tx-verified", "TRF 250157", 250157)
	verified.State = models.StateVerified
	verified.MatchedResidentID = "r-157"
	env := createTestEnv(t, newTx("tx-1", "SETORAN TUNAI", 123456), verified)
	ctx := context.Background()

	tests := []struct {
		name     string
		decision Decision
		code     errors.ErrorCode
	}{
		{"unknown kind", Decision{TransactionID: "tx-1", Kind: "approve", Actor: "a"}, errors.CodeInvalidDecision},
		{"missing actor", Decision{TransactionID: "tx-1", Kind: DecisionSkip}, errors.CodeMissingField},
		{"missing transaction", Decision{Kind: DecisionSkip, Actor: "a"}, errors.CodeMissingField},
		{"unknown transaction", Decision{TransactionID: "tx-x", Kind: DecisionSkip, Actor: "a"}, errors.CodeNotFound},
		{"match without resident", Decision{TransactionID: "tx-1", Kind: DecisionMatch, Actor: "a"}, errors.CodeMissingField},
		{"unknown resident", Decision{TransactionID: "tx-1", Kind: DecisionMatch, ResidentID: "r-x", Actor: "a"}, errors.CodeNotFound},
		{"match verified", Decision{TransactionID: "tx-verified", Kind: DecisionMatch, ResidentID: "r-205", Actor: "a"}, errors.CodeAlreadyVerified},
		{"skip verified", Decision{TransactionID: "tx-verified", Kind: DecisionSkip, Actor: "a"}, errors.CodeAlreadyVerified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := env.workflow.RecordOperatorDecision(ctx, tt.decision)
			assert.Nil(t, record)
			assert.True(t, errors.IsCode(err, tt.code), "got %v", err)
		})
	}

	audit, err := env.repo.ListAudit(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, audit, "failed decisions leave no audit records")
	assert.Equal(t, "r-157", env.transaction(t, "tx-verified").MatchedResidentID)
}

func TestBulkDecide(t *testing.T) {
	env := createTestEnv(t,
		newTx("tx-1", "SETORAN TUNAI", 123456),
		newTx("tx-2", "SETORAN TUNAI BESAR", 654321),
	)
	ctx := context.Background()

	result := env.workflow.BulkDecide(ctx, []Decision{
		{TransactionID: "tx-1", Kind: DecisionMatch, ResidentID: "r-205", Actor: "treasurer"},
		{TransactionID: "tx-missing", Kind: DecisionSkip, Actor: "treasurer"},
		{TransactionID: "tx-2", Kind: DecisionOmit, Actor: "treasurer", Notes: "bank correction"},
	})

	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Results, 3)
	failed := result.Errors()
	require.Len(t, failed, 1)
	assert.Equal(t, "tx-missing", failed[0].Decision.TransactionID)
	assert.Equal(t, "bank correction", env.transaction(t, "tx-2").OmitReason)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	result = env.workflow.BulkDecide(canceled, []Decision{
		{TransactionID: "tx-1", Kind: DecisionUnmatch, Actor: "treasurer"},
	})
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, models.StateVerified, env.transaction(t, "tx-1").State)
}

func TestParseDecisionKind(t *testing.T) {
	kind, err := ParseDecisionKind(" Match ")
	require.NoError(t, err)
	assert.Equal(t, DecisionMatch, kind)

	_, err = ParseDecisionKind("approve")
	assert.True(t, errors.IsCode(err, errors.CodeInvalidDecision))
}
