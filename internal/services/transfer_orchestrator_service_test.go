package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shield-backend/internal/models"
	"shield-backend/internal/types"
	"shield-backend/internal/utils"
)

type orchestratorFixture struct {
	orchestrator *TransferOrchestrator
	prover       *fakeProver
	chain        *fakeChain
	balances     *fakeBalanceRepo
	users        *fakeUserRepo
	transactions *fakeTransactionRepo
	sender       *models.User
	recipient    *models.User
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	sender := &models.User{
		ID:             "user-sender",
		WalletAddress:  "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		PrivateAddress: testOwner,
	}
	recipient := &models.User{
		ID:             "user-recipient",
		WalletAddress:  "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		PrivateAddress: testRecipient,
	}

	prover := newFakeProver()
	chain := newFakeChain()
	balances := newFakeBalanceRepo()
	users := newFakeUserRepo(sender, recipient)
	transactions := &fakeTransactionRepo{}

	builder := newTestBuilder(t, prover)
	submitter := NewChainSubmitter(chain, 3_000_000, time.Minute)
	orchestrator := NewTransferOrchestrator(balances, users, transactions, builder, submitter, nil, nil)

	return &orchestratorFixture{
		orchestrator: orchestrator,
		prover:       prover,
		chain:        chain,
		balances:     balances,
		users:        users,
		transactions: transactions,
		sender:       sender,
		recipient:    recipient,
	}
}

func TestShieldCreatesCommitmentRecord(t *testing.T) {
	f := newOrchestratorFixture(t)

	balance, err := f.orchestrator.Shield(context.Background(), f.sender.ID, testToken, "100")
	require.NoError(t, err)

	assert.Equal(t, f.sender.ID, balance.UserID)
	assert.Equal(t, "100", balance.Amount)
	assert.Len(t, balance.Commitment, 66)
	assert.NotEmpty(t, balance.Blinding)
	assert.Zero(t, balance.TransfersDone)

	stored, err := f.balances.GetByID(context.Background(), balance.ID)
	require.NoError(t, err)
	assert.Equal(t, balance.Commitment, stored.Commitment)

	rows, err := f.transactions.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.TransactionTypeShield, rows[0].Type)
}

func TestTransferSplitsIntoRecipientAndChange(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	source, err := f.orchestrator.Shield(ctx, f.sender.ID, testToken, "100")
	require.NoError(t, err)

	recipientBalance, err := f.orchestrator.Transfer(ctx, source.ID, f.sender.ID, f.recipient.ID, "40")
	require.NoError(t, err)

	assert.Equal(t, f.recipient.ID, recipientBalance.UserID)
	assert.Equal(t, "40", recipientBalance.Amount)

	updated, err := f.balances.GetByID(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, "60", updated.Amount)
	assert.Equal(t, 1, updated.TransfersDone)
	require.NotNil(t, updated.TransferProofData)
	assert.Equal(t, source.Commitment, updated.TransferProofData.CalculatedCommitment)
	assert.NotEmpty(t, updated.TransferProofData.ChangeCommitment)
}

func TestSecondTransferSpendsChangeCommitment(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	source, err := f.orchestrator.Shield(ctx, f.sender.ID, testToken, "100")
	require.NoError(t, err)
	originalBlinding := source.Blinding

	_, err = f.orchestrator.Transfer(ctx, source.ID, f.sender.ID, f.recipient.ID, "40")
	require.NoError(t, err)

	afterFirst, err := f.balances.GetByID(ctx, source.ID)
	require.NoError(t, err)
	changeCommitment := afterFirst.TransferProofData.ChangeCommitment
	changeBlinding := afterFirst.TransferProofData.ChangeBlinding

	_, err = f.orchestrator.Transfer(ctx, source.ID, f.sender.ID, f.recipient.ID, "60")
	require.NoError(t, err)

	// The second spend's circuit inputs must consume the change pair from
	// the first transfer, not the original commitment.
	inputs := f.prover.lastWitness(CircuitTransfer)
	require.Len(t, inputs, 9)
	changeField, err := utils.HexToField(changeCommitment)
	require.NoError(t, err)
	assert.Equal(t, changeField, inputs[0])
	assert.Equal(t, changeBlinding, inputs[5])
	assert.NotEqual(t, originalBlinding, inputs[5])

	final, err := f.balances.GetByID(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, "0", final.Amount)
	assert.Equal(t, 2, final.TransfersDone)
}

func TestTransferRejectsNonOwner(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	source, err := f.orchestrator.Shield(ctx, f.sender.ID, testToken, "100")
	require.NoError(t, err)

	_, err = f.orchestrator.Transfer(ctx, source.ID, f.recipient.ID, f.sender.ID, "10")
	require.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestConcurrentTransfersAgainstSameRecordSerialize(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	source, err := f.orchestrator.Shield(ctx, f.sender.ID, testToken, "100")
	require.NoError(t, err)

	// Two spends of 60 against a balance of 100: the per-record lock
	// serializes them, so the loser observes the post-update state (40
	// remaining) and fails validation. Nothing may double-spend.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orchestrator.Transfer(ctx, source.ID, f.sender.ID, f.recipient.ID, "60")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var failures, successes int
	for err := range results {
		if err != nil {
			assert.ErrorIs(t, err, types.ErrInvalidInput)
			failures++
		} else {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures)

	final, err := f.balances.GetByID(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, "40", final.Amount)
	assert.Equal(t, 1, final.TransfersDone)
}

func TestStaleVersionWriteIsRejected(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	source, err := f.orchestrator.Shield(ctx, f.sender.ID, testToken, "100")
	require.NoError(t, err)

	// Another replica wins the race between our read and our write.
	stale, err := f.balances.GetByID(ctx, source.ID)
	require.NoError(t, err)
	winner, err := f.balances.GetByID(ctx, source.ID)
	require.NoError(t, err)
	winner.Amount = "90"
	require.NoError(t, f.balances.ApplyUnshield(ctx, winner, &models.Transaction{}))

	stale.Amount = "50"
	err = f.balances.ApplyTransfer(ctx, stale, &models.Balance{ID: "r1"}, &models.Transaction{})
	require.ErrorIs(t, err, types.ErrConcurrentModification)
}

func TestUnshieldMarksRecordTerminal(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	publicRecipient := "0x2222222222222222222222222222222222222222"

	source, err := f.orchestrator.Shield(ctx, f.sender.ID, testToken, "100")
	require.NoError(t, err)

	unshielded, err := f.orchestrator.Unshield(ctx, source.ID, f.sender.ID, publicRecipient)
	require.NoError(t, err)

	assert.True(t, unshielded.Unshielded)
	require.NotNil(t, unshielded.UnshieldData)
	assert.Equal(t, publicRecipient, unshielded.UnshieldData.RecipientAddress)
	assert.Equal(t, "100", unshielded.UnshieldData.Amount, "unshield always spends the true remaining amount")

	// Terminal records reject further spends.
	_, err = f.orchestrator.Transfer(ctx, source.ID, f.sender.ID, f.recipient.ID, "1")
	require.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = f.orchestrator.Unshield(ctx, source.ID, f.sender.ID, publicRecipient)
	require.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestUnshieldAfterTransferSpendsChangeCommitment(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	source, err := f.orchestrator.Shield(ctx, f.sender.ID, testToken, "100")
	require.NoError(t, err)
	_, err = f.orchestrator.Transfer(ctx, source.ID, f.sender.ID, f.recipient.ID, "40")
	require.NoError(t, err)

	afterTransfer, err := f.balances.GetByID(ctx, source.ID)
	require.NoError(t, err)

	_, err = f.orchestrator.Unshield(ctx, source.ID, f.sender.ID, "0x2222222222222222222222222222222222222222")
	require.NoError(t, err)

	inputs := f.prover.lastWitness(CircuitUnshield)
	require.Len(t, inputs, 5)
	changeField, err := utils.HexToField(afterTransfer.TransferProofData.ChangeCommitment)
	require.NoError(t, err)
	assert.Equal(t, changeField, inputs[0])
	assert.Equal(t, "60", inputs[1], "unshield amount is the remaining balance after the transfer")
	assert.Equal(t, afterTransfer.TransferProofData.ChangeBlinding, inputs[4])
}

func TestPersistenceFailureAfterConfirmationEscalates(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	source, err := f.orchestrator.Shield(ctx, f.sender.ID, testToken, "100")
	require.NoError(t, err)

	f.balances.applyErr = errors.New("connection reset by peer")

	_, err = f.orchestrator.Transfer(ctx, source.ID, f.sender.ID, f.recipient.ID, "40")
	require.ErrorIs(t, err, types.ErrPersistence)
	assert.Contains(t, err.Error(), "0xtx", "the error must carry the confirmed transaction hash")
}

func TestVersionRaceAfterConfirmationEscalatesAsPersistenceFault(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	source, err := f.orchestrator.Shield(ctx, f.sender.ID, testToken, "100")
	require.NoError(t, err)

	// The spend already confirmed on chain when the write loses the version
	// race; surfacing it as retryable would invite resubmitting the spend.
	f.balances.applyErr = fmt.Errorf("%w: balance %s version 0", types.ErrConcurrentModification, source.ID)

	_, err = f.orchestrator.Transfer(ctx, source.ID, f.sender.ID, f.recipient.ID, "40")
	require.ErrorIs(t, err, types.ErrPersistence)
	assert.NotErrorIs(t, err, types.ErrConcurrentModification)
	assert.Contains(t, err.Error(), "0xtx", "the error must carry the confirmed transaction hash")
}

func TestTransferFailsClosedWhenChainRejects(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	source, err := f.orchestrator.Shield(ctx, f.sender.ID, testToken, "100")
	require.NoError(t, err)

	f.chain.sendErr = errors.New("insufficient funds for gas")

	_, err = f.orchestrator.Transfer(ctx, source.ID, f.sender.ID, f.recipient.ID, "40")
	require.ErrorIs(t, err, types.ErrChainSubmission)

	// The record must be untouched: no amount change, no spend-chain
	// advance.
	after, err := f.balances.GetByID(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", after.Amount)
	assert.Zero(t, after.TransfersDone)
	assert.Nil(t, after.TransferProofData)
}
