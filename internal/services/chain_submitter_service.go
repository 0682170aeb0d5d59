package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"shield-backend/internal/clients"
	"shield-backend/internal/metrics"
	"shield-backend/internal/models"
	"shield-backend/internal/types"
	"shield-backend/internal/utils"
)

// Required confirmations per operation. Transfers move value between two
// ledger records, so they wait one block deeper than deposits/withdrawals.
const (
	confirmationsShield   = 1
	confirmationsTransfer = 2
	confirmationsUnshield = 1
)

// ChainSubmitter drives a proof bundle onto the chain: gas estimation with
// a fixed fallback ceiling, EIP-1559 fee data, submission, and a bounded
// confirmation wait. It never retries on its own — after an ambiguous
// failure the caller must check whether the transaction landed before
// resubmitting, or it risks double-spending the commitment.
type ChainSubmitter struct {
	chain            clients.ChainClient
	fallbackGasLimit uint64
	confirmTimeout   time.Duration
}

// NewChainSubmitter creates a ChainSubmitter.
func NewChainSubmitter(chain clients.ChainClient, fallbackGasLimit uint64, confirmTimeout time.Duration) *ChainSubmitter {
	return &ChainSubmitter{
		chain:            chain,
		fallbackGasLimit: fallbackGasLimit,
		confirmTimeout:   confirmTimeout,
	}
}

// SubmitShield submits a shield call and waits for confirmation.
func (s *ChainSubmitter) SubmitShield(ctx context.Context, data *models.ShieldProofData) (*clients.Receipt, error) {
	amount, err := utils.ValidateAmount(data.Amount)
	if err != nil {
		return nil, err
	}
	calldata, err := clients.PackShield(
		common.HexToAddress(data.TokenAddress),
		amount,
		common.HexToHash(data.Commitment),
		data.Proof,
	)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, "shield", calldata, confirmationsShield)
}

// SubmitTransfer submits a transfer call and waits for confirmation.
func (s *ChainSubmitter) SubmitTransfer(ctx context.Context, data *models.TransferProofData) (*clients.Receipt, error) {
	calldata, err := clients.PackTransfer(
		common.HexToHash(data.CalculatedCommitment),
		common.HexToHash(data.NewCommitment),
		common.HexToHash(data.ChangeCommitment),
		data.Proof,
	)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, "transfer", calldata, confirmationsTransfer)
}

// SubmitUnshield submits an unshield call and waits for confirmation.
func (s *ChainSubmitter) SubmitUnshield(ctx context.Context, data *models.UnshieldProofData) (*clients.Receipt, error) {
	amount, err := utils.ValidateAmount(data.Amount)
	if err != nil {
		return nil, err
	}
	calldata, err := clients.PackUnshield(
		common.HexToAddress(data.TokenAddress),
		common.HexToHash(data.Commitment),
		common.HexToAddress(data.RecipientAddress),
		amount,
		data.Proof,
	)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, "unshield", calldata, confirmationsUnshield)
}

// gasLimit estimates gas with the ×1.2 safety margin, falling back to the
// fixed ceiling when estimation fails. A failed estimate degrades the
// submission, it does not abort it.
func (s *ChainSubmitter) gasLimit(ctx context.Context, operation string, calldata []byte) uint64 {
	estimate, err := s.chain.EstimateGas(ctx, calldata)
	if err != nil {
		metrics.GasEstimateFallbacks.Inc()
		logrus.WithError(err).WithFields(logrus.Fields{
			"operation":    operation,
			"fallback_gas": s.fallbackGasLimit,
		}).Warn("gas estimation failed, using fallback ceiling")
		return s.fallbackGasLimit
	}
	return estimate * 12 / 10
}

func (s *ChainSubmitter) submit(ctx context.Context, operation string, calldata []byte, confirmations uint64) (*clients.Receipt, error) {
	gas := s.gasLimit(ctx, operation, calldata)

	fees, err := s.chain.FeeData(ctx)
	if err != nil {
		metrics.ChainSubmissions.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("%w: reading fee data for %s: %v", types.ErrChainSubmission, operation, err)
	}

	nonce, err := s.chain.PendingNonce(ctx)
	if err != nil {
		metrics.ChainSubmissions.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("%w: reading nonce for %s: %v", types.ErrChainSubmission, operation, err)
	}

	txHash, err := s.chain.SendTransaction(ctx, calldata, gas, fees, nonce)
	if err != nil {
		metrics.ChainSubmissions.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("%w: sending %s transaction: %v", types.ErrChainSubmission, operation, err)
	}

	logrus.WithFields(logrus.Fields{
		"operation": operation,
		"tx_hash":   txHash,
		"gas_limit": gas,
		"nonce":     nonce,
	}).Info("transaction submitted")

	// The transaction is on the wire now; bound only the wait, not the send.
	// Exceeding the bound is ConfirmationTimeout, not a submission failure:
	// the transaction may still confirm later and the ledger must not be
	// updated until that is actually observed.
	waitCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := s.chain.WaitConfirmed(waitCtx, txHash, confirmations)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.ChainSubmissions.WithLabelValues(operation, "timeout").Inc()
			return nil, fmt.Errorf("%w: %s transaction %s not confirmed within %s",
				types.ErrConfirmationTimeout, operation, txHash, s.confirmTimeout)
		}
		metrics.ChainSubmissions.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("%w: waiting for %s transaction %s: %v",
			types.ErrChainSubmission, operation, txHash, err)
	}
	if receipt.Status == 0 {
		metrics.ChainSubmissions.WithLabelValues(operation, "reverted").Inc()
		return nil, fmt.Errorf("%w: %s transaction %s reverted in block %d",
			types.ErrChainSubmission, operation, txHash, receipt.BlockNumber)
	}

	metrics.ChainSubmissions.WithLabelValues(operation, "success").Inc()
	metrics.ConfirmationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.GasUsed.WithLabelValues(operation).Observe(float64(receipt.GasUsed))

	logrus.WithFields(logrus.Fields{
		"operation": operation,
		"tx_hash":   receipt.TxHash,
		"block":     receipt.BlockNumber,
		"gas_used":  receipt.GasUsed,
	}).Info("transaction confirmed")

	return receipt, nil
}
