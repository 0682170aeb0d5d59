package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shield-backend/internal/events"
	"shield-backend/internal/metrics"
	"shield-backend/internal/models"
	"shield-backend/internal/repository"
	"shield-backend/internal/types"
	"shield-backend/internal/utils"
)

// BalancePusher notifies a user's live sessions that their balances changed.
// A nil pusher is valid and drops notifications.
type BalancePusher interface {
	PushBalanceChanged(userID string)
}

// TransferOrchestrator drives the commitment lifecycle: shield creates a
// record, transfer spends one and produces two, unshield terminates one.
// Every spend follows the same discipline: resolve the active spend source,
// build and locally verify the proof, submit to the chain, and only after
// confirmation apply the ledger mutations as one atomic unit.
//
// Spends against the same record are serialized twice over: a per-record
// mutex keeps them apart in-process, and the repository's optimistic
// version check catches anything the mutex cannot see (other replicas).
type TransferOrchestrator struct {
	balances     repository.BalanceRepository
	users        repository.UserRepository
	transactions repository.TransactionRepository
	builder      *ProofBuilder
	submitter    *ChainSubmitter
	publisher    *events.Publisher
	pusher       BalancePusher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTransferOrchestrator creates a TransferOrchestrator. publisher and
// pusher may be nil.
func NewTransferOrchestrator(
	balances repository.BalanceRepository,
	users repository.UserRepository,
	transactions repository.TransactionRepository,
	builder *ProofBuilder,
	submitter *ChainSubmitter,
	publisher *events.Publisher,
	pusher BalancePusher,
) *TransferOrchestrator {
	return &TransferOrchestrator{
		balances:     balances,
		users:        users,
		transactions: transactions,
		builder:      builder,
		submitter:    submitter,
		publisher:    publisher,
		pusher:       pusher,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (o *TransferOrchestrator) recordLock(balanceID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[balanceID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[balanceID] = lock
	}
	return lock
}

func (o *TransferOrchestrator) pushBalance(userID string) {
	if o.pusher != nil {
		o.pusher.PushBalanceChanged(userID)
	}
}

// Shield deposits a public amount into the pool: it draws a fresh blinding,
// builds the shield proof, submits the deposit, and creates the resulting
// commitment record.
func (o *TransferOrchestrator) Shield(ctx context.Context, userID, tokenAddress, amount string) (*models.Balance, error) {
	if !utils.IsEvmAddress(tokenAddress) {
		return nil, fmt.Errorf("%w: token %q is not an EVM address", types.ErrMalformedAddress, tokenAddress)
	}

	user, err := o.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	blinding, err := utils.NewBlinding()
	if err != nil {
		return nil, err
	}

	bundle, err := o.builder.BuildShieldProof(ctx, &ShieldParams{
		TokenAddress:   tokenAddress,
		Amount:         amount,
		PrivateAddress: user.PrivateAddress,
		Blinding:       blinding,
	})
	if err != nil {
		return nil, err
	}

	// Past this point the pipeline runs to confirmation-or-failure even if
	// the caller goes away; an abandoned context must not orphan a
	// submitted transaction.
	submitCtx := context.WithoutCancel(ctx)
	receipt, err := o.submitter.SubmitShield(submitCtx, bundle)
	if err != nil {
		return nil, err
	}

	balance := &models.Balance{
		ID:              uuid.NewString(),
		UserID:          user.ID,
		Commitment:      bundle.Commitment,
		Amount:          bundle.Amount,
		TokenAddress:    tokenAddress,
		Blinding:        blinding,
		ShieldProofData: bundle,
	}
	if err := o.balances.Create(submitCtx, balance); err != nil {
		return nil, o.reconcile(err, "shield", user.ID, balance.ID, receipt.TxHash,
			logrus.Fields{"commitment": bundle.Commitment})
	}

	audit := &models.Transaction{
		ID:           uuid.NewString(),
		Type:         models.TransactionTypeShield,
		ToUserID:     user.ID,
		Commitment:   bundle.Commitment,
		Amount:       bundle.Amount,
		TokenAddress: tokenAddress,
		TxHash:       receipt.TxHash,
		BlockNumber:  receipt.BlockNumber,
		GasUsed:      receipt.GasUsed,
	}
	if err := o.transactions.Create(submitCtx, audit); err != nil {
		logrus.WithError(err).WithField("tx_hash", receipt.TxHash).Error("shield audit row failed")
	}

	o.publisher.Publish(events.SubjectShielded, &events.LedgerEvent{
		Type:       "shield",
		UserID:     user.ID,
		BalanceID:  balance.ID,
		Commitment: bundle.Commitment,
		TxHash:     receipt.TxHash,
	})
	o.pushBalance(user.ID)

	return balance, nil
}

// Transfer spends a record's active commitment, sending transferAmount to
// the recipient and rolling the remainder into a fresh change commitment.
func (o *TransferOrchestrator) Transfer(ctx context.Context, balanceID, senderID, recipientID, transferAmount string) (*models.Balance, error) {
	lock := o.recordLock(balanceID)
	lock.Lock()
	defer lock.Unlock()

	source, err := o.balances.GetByID(ctx, balanceID)
	if err != nil {
		return nil, err
	}
	if source.UserID != senderID {
		return nil, fmt.Errorf("%w: balance %s is not owned by user %s", types.ErrInvalidInput, balanceID, senderID)
	}

	spend, err := source.ActiveSpendSource()
	if err != nil {
		return nil, err
	}

	sender, err := o.users.GetByID(ctx, senderID)
	if err != nil {
		return nil, err
	}
	recipient, err := o.users.GetByID(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	newBlinding, err := utils.NewBlinding()
	if err != nil {
		return nil, err
	}
	changeBlinding, err := utils.NewBlinding()
	if err != nil {
		return nil, err
	}

	bundle, err := o.builder.BuildTransferProof(ctx, &TransferParams{
		OldCommitment:           spend.Commitment,
		InputAmount:             source.Amount,
		TransferAmount:          transferAmount,
		TokenAddress:            source.TokenAddress,
		PrivateAddress:          sender.PrivateAddress,
		OldBlinding:             spend.Blinding,
		RecipientPrivateAddress: recipient.PrivateAddress,
		NewBlinding:             newBlinding,
		ChangeBlinding:          changeBlinding,
	})
	if err != nil {
		return nil, err
	}

	submitCtx := context.WithoutCancel(ctx)
	receipt, err := o.submitter.SubmitTransfer(submitCtx, bundle)
	if err != nil {
		return nil, err
	}

	// Confirmed on chain. The four ledger mutations below are one atomic
	// unit; a failure here means the views have diverged.
	source.Amount = bundle.RemainingAmount
	source.TransfersDone++
	source.TransferProofData = bundle

	recipientBalance := &models.Balance{
		ID:           uuid.NewString(),
		UserID:       recipient.ID,
		Commitment:   bundle.NewCommitment,
		Amount:       bundle.TransferAmount,
		TokenAddress: source.TokenAddress,
		Blinding:     newBlinding,
	}

	audit := &models.Transaction{
		ID:               uuid.NewString(),
		Type:             models.TransactionTypeTransfer,
		FromUserID:       sender.ID,
		ToUserID:         recipient.ID,
		Commitment:       spend.Commitment,
		NewCommitment:    bundle.NewCommitment,
		ChangeCommitment: bundle.ChangeCommitment,
		Amount:           bundle.TransferAmount,
		TokenAddress:     source.TokenAddress,
		TxHash:           receipt.TxHash,
		BlockNumber:      receipt.BlockNumber,
		GasUsed:          receipt.GasUsed,
	}

	if err := o.balances.ApplyTransfer(submitCtx, source, recipientBalance, audit); err != nil {
		return nil, o.reconcile(err, "transfer", sender.ID, source.ID, receipt.TxHash, logrus.Fields{
			"input_commitment":  spend.Commitment,
			"new_commitment":    bundle.NewCommitment,
			"change_commitment": bundle.ChangeCommitment,
		})
	}

	o.publisher.Publish(events.SubjectTransferred, &events.LedgerEvent{
		Type:             "transfer",
		UserID:           sender.ID,
		BalanceID:        source.ID,
		Commitment:       spend.Commitment,
		NewCommitment:    bundle.NewCommitment,
		ChangeCommitment: bundle.ChangeCommitment,
		TxHash:           receipt.TxHash,
	})
	o.pushBalance(sender.ID)
	o.pushBalance(recipient.ID)

	return recipientBalance, nil
}

// Unshield withdraws a record's full remaining balance to a public address
// and marks the record terminal.
func (o *TransferOrchestrator) Unshield(ctx context.Context, balanceID, userID, recipientAddress string) (*models.Balance, error) {
	lock := o.recordLock(balanceID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := o.balances.GetByID(ctx, balanceID)
	if err != nil {
		return nil, err
	}
	if balance.UserID != userID {
		return nil, fmt.Errorf("%w: balance %s is not owned by user %s", types.ErrInvalidInput, balanceID, userID)
	}

	spend, err := balance.ActiveSpendSource()
	if err != nil {
		return nil, err
	}

	// Always the true remaining balance; the circuit rejects anything else.
	bundle, err := o.builder.BuildUnshieldProof(ctx, &UnshieldParams{
		Commitment:       spend.Commitment,
		Amount:           balance.Amount,
		TokenAddress:     balance.TokenAddress,
		RecipientAddress: recipientAddress,
		Blinding:         spend.Blinding,
	})
	if err != nil {
		return nil, err
	}

	submitCtx := context.WithoutCancel(ctx)
	receipt, err := o.submitter.SubmitUnshield(submitCtx, bundle)
	if err != nil {
		return nil, err
	}

	balance.Unshielded = true
	balance.UnshieldData = &models.UnshieldAudit{
		RecipientAddress: recipientAddress,
		Amount:           bundle.Amount,
		TxHash:           receipt.TxHash,
		Timestamp:        time.Now().UTC(),
	}

	audit := &models.Transaction{
		ID:           uuid.NewString(),
		Type:         models.TransactionTypeUnshield,
		FromUserID:   userID,
		Commitment:   spend.Commitment,
		Amount:       bundle.Amount,
		TokenAddress: balance.TokenAddress,
		Recipient:    recipientAddress,
		TxHash:       receipt.TxHash,
		BlockNumber:  receipt.BlockNumber,
		GasUsed:      receipt.GasUsed,
	}

	if err := o.balances.ApplyUnshield(submitCtx, balance, audit); err != nil {
		return nil, o.reconcile(err, "unshield", userID, balance.ID, receipt.TxHash,
			logrus.Fields{"commitment": spend.Commitment, "recipient": recipientAddress})
	}

	o.publisher.Publish(events.SubjectUnshielded, &events.LedgerEvent{
		Type:       "unshield",
		UserID:     userID,
		BalanceID:  balance.ID,
		Commitment: spend.Commitment,
		TxHash:     receipt.TxHash,
	})
	o.pushBalance(userID)

	return balance, nil
}

// reconcile handles the severest failure class: the chain confirmed but the
// ledger write failed. That includes losing the optimistic version race —
// a "retry the whole pipeline" answer would resubmit an already-confirmed
// spend, so the confirmed-but-unrecorded transaction is escalated like any
// other divergence. Everything is logged with full operation context,
// counted, and published for reconciliation.
func (o *TransferOrchestrator) reconcile(err error, operation, userID, balanceID, txHash string, fields logrus.Fields) error {
	entry := logrus.WithError(err).WithFields(logrus.Fields{
		"operation":  operation,
		"user_id":    userID,
		"balance_id": balanceID,
		"tx_hash":    txHash,
	}).WithFields(fields)

	if errors.Is(err, types.ErrConcurrentModification) {
		entry.Warn("ledger write lost the version race after chain confirmation")
	}

	metrics.ReconciliationNeeded.Inc()
	entry.Error("chain transaction confirmed but ledger persistence failed, reconciliation required")

	o.publisher.Publish(events.SubjectReconciliation, &events.LedgerEvent{
		Type:      operation,
		UserID:    userID,
		BalanceID: balanceID,
		TxHash:    txHash,
		Detail:    err.Error(),
	})

	return fmt.Errorf("%w: chain transaction %s confirmed but ledger update failed: %v",
		types.ErrPersistence, txHash, err)
}
