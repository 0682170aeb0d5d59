package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"shield-backend/internal/config"
	"shield-backend/internal/models"
	"shield-backend/internal/types"
)

// FeeData is the network's current EIP-1559 fee suggestion.
type FeeData struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Receipt is the confirmed-transaction summary the pipeline reports back.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Status      uint64 // 1 = success, 0 = reverted
}

// ChainClient is the capability interface over the blockchain. The
// submitter builds calldata with the Pack* helpers below and drives this
// contract; any binding (live RPC, test double) satisfies it.
type ChainClient interface {
	EstimateGas(ctx context.Context, calldata []byte) (uint64, error)
	FeeData(ctx context.Context) (*FeeData, error)
	PendingNonce(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, calldata []byte, gasLimit uint64, fees *FeeData, nonce uint64) (txHash string, err error)
	WaitConfirmed(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error)
}

// mustType is a helper to create an abi.Type from a string
func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
	}
	return typ
}

var (
	typeAddress    = mustType("address")
	typeUint256    = mustType("uint256")
	typeBytes32    = mustType("bytes32")
	typeUint256x2  = mustType("uint256[2]")
	typeUint256x22 = mustType("uint256[2][2]")
)

// Contract entry points. Argument order is fixed by the on-chain verifier:
// proof components first, then commitments, then public recipient/amount
// where applicable (shield leads with the public deposit arguments instead,
// matching the deployed pool contract).
var (
	shieldArgs = abi.Arguments{
		{Type: typeAddress}, {Type: typeUint256}, {Type: typeBytes32},
		{Type: typeUint256x2}, {Type: typeUint256x22}, {Type: typeUint256x2},
	}
	transferArgs = abi.Arguments{
		{Type: typeUint256x2}, {Type: typeUint256x22}, {Type: typeUint256x2},
		{Type: typeBytes32}, {Type: typeBytes32}, {Type: typeBytes32},
	}
	unshieldArgs = abi.Arguments{
		{Type: typeAddress},
		{Type: typeUint256x2}, {Type: typeUint256x22}, {Type: typeUint256x2},
		{Type: typeBytes32}, {Type: typeAddress}, {Type: typeUint256},
	}

	shieldSelector   = crypto.Keccak256([]byte("shield(address,uint256,bytes32,uint256[2],uint256[2][2],uint256[2])"))[:4]
	transferSelector = crypto.Keccak256([]byte("transfer(uint256[2],uint256[2][2],uint256[2],bytes32,bytes32,bytes32)"))[:4]
	unshieldSelector = crypto.Keccak256([]byte("unshield(address,uint256[2],uint256[2][2],uint256[2],bytes32,address,uint256)"))[:4]
)

// proofToABI converts the decimal-string proof points to the fixed-size
// big.Int arrays the ABI encoder needs.
func proofToABI(p models.ProofPoints) (a [2]*big.Int, b [2][2]*big.Int, c [2]*big.Int, err error) {
	parse := func(s string) (*big.Int, error) {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("%w: proof component %q is not a decimal field string", types.ErrInvalidInput, s)
		}
		return v, nil
	}
	if len(p.A) != 2 || len(p.C) != 2 || len(p.B) != 2 || len(p.B[0]) != 2 || len(p.B[1]) != 2 {
		err = fmt.Errorf("%w: proof has wrong shape (pA %d, pB %dx?, pC %d)", types.ErrInvalidInput, len(p.A), len(p.B), len(p.C))
		return
	}
	for i := 0; i < 2; i++ {
		if a[i], err = parse(p.A[i]); err != nil {
			return
		}
		if c[i], err = parse(p.C[i]); err != nil {
			return
		}
		for j := 0; j < 2; j++ {
			if b[i][j], err = parse(p.B[i][j]); err != nil {
				return
			}
		}
	}
	return
}

// PackShield encodes the shield entry-point call.
func PackShield(token common.Address, amount *big.Int, commitment common.Hash, proof models.ProofPoints) ([]byte, error) {
	a, b, c, err := proofToABI(proof)
	if err != nil {
		return nil, err
	}
	packed, err := shieldArgs.Pack(token, amount, [32]byte(commitment), a, b, c)
	if err != nil {
		return nil, fmt.Errorf("failed to pack shield call: %w", err)
	}
	return append(append([]byte{}, shieldSelector...), packed...), nil
}

// PackTransfer encodes the transfer entry-point call.
func PackTransfer(calculated, newCommitment, changeCommitment common.Hash, proof models.ProofPoints) ([]byte, error) {
	a, b, c, err := proofToABI(proof)
	if err != nil {
		return nil, err
	}
	packed, err := transferArgs.Pack(a, b, c, [32]byte(calculated), [32]byte(newCommitment), [32]byte(changeCommitment))
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer call: %w", err)
	}
	return append(append([]byte{}, transferSelector...), packed...), nil
}

// PackUnshield encodes the unshield entry-point call.
func PackUnshield(token common.Address, commitment common.Hash, recipient common.Address, amount *big.Int, proof models.ProofPoints) ([]byte, error) {
	a, b, c, err := proofToABI(proof)
	if err != nil {
		return nil, err
	}
	packed, err := unshieldArgs.Pack(token, a, b, c, [32]byte(commitment), recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack unshield call: %w", err)
	}
	return append(append([]byte{}, unshieldSelector...), packed...), nil
}

// EthChainClient is the live ethclient binding of ChainClient.
type EthChainClient struct {
	client   *ethclient.Client
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address

	fallbackGwei int64
}

// NewEthChainClient dials the configured RPC endpoints in order and returns
// a client bound to the first endpoint that answers with the expected chain
// ID.
func NewEthChainClient(cfg *config.BlockchainConfig) (*EthChainClient, error) {
	key, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid submitter private key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	var client *ethclient.Client
	var lastErr error
	for _, endpoint := range cfg.RPCEndpoints {
		c, err := ethclient.Dial(endpoint)
		if err != nil {
			lastErr = err
			logrus.WithError(err).WithField("endpoint", endpoint).Warn("RPC dial failed, trying next endpoint")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		networkID, err := c.ChainID(ctx)
		cancel()
		if err != nil {
			lastErr = err
			c.Close()
			logrus.WithError(err).WithField("endpoint", endpoint).Warn("RPC chain ID check failed, trying next endpoint")
			continue
		}
		if networkID.Int64() != cfg.ChainID {
			lastErr = fmt.Errorf("endpoint %s serves chain %s, expected %d", endpoint, networkID, cfg.ChainID)
			c.Close()
			continue
		}
		client = c
		logrus.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"chain_id": cfg.ChainID,
			"from":     from.Hex(),
		}).Info("chain client connected")
		break
	}
	if client == nil {
		return nil, fmt.Errorf("all RPC endpoints failed: %w", lastErr)
	}

	return &EthChainClient{
		client:       client,
		contract:     common.HexToAddress(cfg.ShieldContract),
		chainID:      big.NewInt(cfg.ChainID),
		key:          key,
		from:         from,
		fallbackGwei: cfg.FallbackGwei,
	}, nil
}

func (e *EthChainClient) EstimateGas(ctx context.Context, calldata []byte) (uint64, error) {
	msg := ethereum.CallMsg{
		From: e.from,
		To:   &e.contract,
		Data: calldata,
	}
	gas, err := e.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gas, nil
}

// FeeData reads the network's fee suggestions. When the tip suggestion is
// unavailable the fixed gwei fallback is used for both components.
func (e *EthChainClient) FeeData(ctx context.Context) (*FeeData, error) {
	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		fallback := new(big.Int).Mul(big.NewInt(e.fallbackGwei), big.NewInt(1_000_000_000))
		logrus.WithError(err).WithField("fallback_gwei", e.fallbackGwei).Warn("tip suggestion unavailable, using fixed fee")
		return &FeeData{MaxFeePerGas: fallback, MaxPriorityFeePerGas: fallback}, nil
	}

	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil || head.BaseFee == nil {
		gasPrice, gpErr := e.client.SuggestGasPrice(ctx)
		if gpErr != nil {
			return nil, fmt.Errorf("failed to read fee data: %w", gpErr)
		}
		return &FeeData{MaxFeePerGas: gasPrice, MaxPriorityFeePerGas: tip}, nil
	}

	// maxFee = 2*baseFee + tip tolerates a doubling of the base fee while
	// the transaction is pending.
	maxFee := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return &FeeData{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

func (e *EthChainClient) PendingNonce(ctx context.Context) (uint64, error) {
	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return 0, fmt.Errorf("failed to get transaction count: %w", err)
	}
	return nonce, nil
}

func (e *EthChainClient) SendTransaction(ctx context.Context, calldata []byte, gasLimit uint64, fees *FeeData, nonce uint64) (string, error) {
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       gasLimit,
		To:        &e.contract,
		Value:     big.NewInt(0),
		Data:      calldata,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitConfirmed polls for the receipt and then waits until the chain head
// is at least `confirmations` blocks past the inclusion block. The caller
// bounds the wait through ctx; a context deadline here means the
// transaction may still confirm later.
func (e *EthChainClient) WaitConfirmed(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			head, err := e.client.BlockNumber(ctx)
			if err == nil && head+1 >= receipt.BlockNumber.Uint64()+confirmations {
				return &Receipt{
					TxHash:      txHash,
					BlockNumber: receipt.BlockNumber.Uint64(),
					GasUsed:     receipt.GasUsed,
					Status:      receipt.Status,
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
