package services

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"shield-backend/internal/clients"
	"shield-backend/internal/models"
	"shield-backend/internal/types"
	"shield-backend/internal/utils"
)

// fakeCommit derives a deterministic field element from the preimage parts,
// standing in for the circuit's commitment hash. Consistency matters more
// than the hash itself: shielding and then recomputing with the same parts
// must agree, exactly like the real circuit.
func fakeCommit(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	v := new(big.Int).SetBytes(sum[:])
	return v.Mod(v, utils.FieldModulus).String()
}

// fakeProver is an in-process ProvingClient. The compiled artifact carries
// the circuit source verbatim, and the test circuits' source is just the
// circuit name, so every later call knows which circuit it serves.
type fakeProver struct {
	mu            sync.Mutex
	witnessCalls  [][]string
	witnessByName map[string][][]string
	setupCalls    int
	verifyCalls   int
	rejectProofs  bool
	stringOutputs bool // render outputs as one bracketed string instead of a JSON array
}

func newFakeProver() *fakeProver {
	return &fakeProver{witnessByName: make(map[string][][]string)}
}

func (f *fakeProver) Compile(_ context.Context, source string) (*clients.CompiledProgram, error) {
	return &clients.CompiledProgram{Program: []byte(strings.TrimSpace(source))}, nil
}

func (f *fakeProver) outputs(circuit string, inputs []string) ([]string, error) {
	switch circuit {
	case CircuitShield:
		if len(inputs) != 4 {
			return nil, fmt.Errorf("shield expects 4 inputs, got %d", len(inputs))
		}
		return []string{fakeCommit(inputs...)}, nil
	case CircuitTransfer:
		if len(inputs) != 9 {
			return nil, fmt.Errorf("transfer expects 9 inputs, got %d", len(inputs))
		}
		inputAmount, _ := new(big.Int).SetString(inputs[1], 10)
		transferAmount, _ := new(big.Int).SetString(inputs[2], 10)
		remaining := new(big.Int).Sub(inputAmount, transferAmount)
		calculated := fakeCommit(inputs[1], inputs[3], inputs[4], inputs[5])
		fresh := fakeCommit(inputs[2], inputs[3], inputs[6], inputs[7])
		change := fakeCommit(remaining.String(), inputs[3], inputs[4], inputs[8])
		return []string{calculated, fresh, change}, nil
	case CircuitUnshield:
		if len(inputs) != 5 {
			return nil, fmt.Errorf("unshield expects 5 inputs, got %d", len(inputs))
		}
		return []string{inputs[0], inputs[3], inputs[1]}, nil
	default:
		return nil, fmt.Errorf("unknown circuit %q", circuit)
	}
}

func (f *fakeProver) ComputeWitness(_ context.Context, program *clients.CompiledProgram, inputs []string) (*clients.WitnessResult, error) {
	circuit := string(program.Program)

	f.mu.Lock()
	f.witnessCalls = append(f.witnessCalls, inputs)
	f.witnessByName[circuit] = append(f.witnessByName[circuit], inputs)
	f.mu.Unlock()

	outputs, err := f.outputs(circuit, inputs)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if f.stringOutputs {
		quoted := make([]string, len(outputs))
		for i, o := range outputs {
			quoted[i] = `\"` + o + `\"`
		}
		raw = json.RawMessage(`"[` + strings.Join(quoted, ",") + `]"`)
	} else {
		raw, _ = json.Marshal(outputs)
	}

	return &clients.WitnessResult{Witness: "witness-" + circuit, Output: raw}, nil
}

func (f *fakeProver) Setup(_ context.Context, program *clients.CompiledProgram) (*clients.KeyPair, error) {
	f.mu.Lock()
	f.setupCalls++
	f.mu.Unlock()
	circuit := string(program.Program)
	return &clients.KeyPair{
		ProvingKey:      []byte("proving-key-" + circuit),
		VerificationKey: json.RawMessage(`{"circuit":"` + circuit + `"}`),
	}, nil
}

func (f *fakeProver) GenerateProof(_ context.Context, _ *clients.CompiledProgram, _ string, _ []byte) (*clients.ZKProof, error) {
	return &clients.ZKProof{
		A: []string{"1", "2"},
		B: [][]string{{"3", "4"}, {"5", "6"}},
		C: []string{"7", "8"},
	}, nil
}

func (f *fakeProver) Verify(_ context.Context, _ json.RawMessage, _ *clients.ZKProof) (bool, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.mu.Unlock()
	return !f.rejectProofs, nil
}

func (f *fakeProver) witnessCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.witnessCalls)
}

func (f *fakeProver) lastWitness(circuit string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := f.witnessByName[circuit]
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

// newTestBuilder wires a ProofBuilder against the fake prover with circuit
// sources and key storage under temp directories.
func newTestBuilder(t *testing.T, prover *fakeProver) *ProofBuilder {
	t.Helper()
	circuitDir := t.TempDir()
	for _, circuit := range []string{CircuitShield, CircuitTransfer, CircuitUnshield} {
		err := os.WriteFile(filepath.Join(circuitDir, circuit+".zok"), []byte(circuit), 0o644)
		require.NoError(t, err)
	}
	keys := NewKeyManager(prover, t.TempDir())
	return NewProofBuilder(prover, keys, circuitDir)
}

// fakeChain is an in-process ChainClient that confirms instantly.
type fakeChain struct {
	mu          sync.Mutex
	estimate    uint64
	estimateErr error
	sendErr     error
	waitErr     error
	status      uint64
	gasUsed     uint64

	sentGasLimits []uint64
	sentCount     int
}

func newFakeChain() *fakeChain {
	return &fakeChain{estimate: 200_000, status: 1, gasUsed: 180_000}
}

func (f *fakeChain) EstimateGas(context.Context, []byte) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeChain) FeeData(context.Context) (*clients.FeeData, error) {
	return &clients.FeeData{
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
	}, nil
}

func (f *fakeChain) PendingNonce(context.Context) (uint64, error) {
	return 7, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, _ []byte, gasLimit uint64, _ *clients.FeeData, _ uint64) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentGasLimits = append(f.sentGasLimits, gasLimit)
	f.sentCount++
	return fmt.Sprintf("0xtx%04d", f.sentCount), nil
}

func (f *fakeChain) WaitConfirmed(ctx context.Context, txHash string, _ uint64) (*clients.Receipt, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &clients.Receipt{TxHash: txHash, BlockNumber: 1234, GasUsed: f.gasUsed, Status: f.status}, nil
}

// fakeBalanceRepo is an in-memory BalanceRepository with the same
// version-check semantics as the Postgres-backed one.
type fakeBalanceRepo struct {
	mu       sync.Mutex
	byID     map[string]*models.Balance
	applyErr error
}

func newFakeBalanceRepo() *fakeBalanceRepo {
	return &fakeBalanceRepo{byID: make(map[string]*models.Balance)}
}

func cloneBalance(b *models.Balance) *models.Balance {
	clone := *b
	if b.TransferProofData != nil {
		data := *b.TransferProofData
		clone.TransferProofData = &data
	}
	if b.ShieldProofData != nil {
		data := *b.ShieldProofData
		clone.ShieldProofData = &data
	}
	if b.UnshieldData != nil {
		data := *b.UnshieldData
		clone.UnshieldData = &data
	}
	return &clone
}

func (r *fakeBalanceRepo) Create(_ context.Context, balance *models.Balance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[balance.ID] = cloneBalance(balance)
	return nil
}

func (r *fakeBalanceRepo) GetByID(_ context.Context, id string) (*models.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: balance %s not found", types.ErrInvalidInput, id)
	}
	return cloneBalance(b), nil
}

func (r *fakeBalanceRepo) FindByUser(_ context.Context, userID string) ([]*models.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Balance
	for _, b := range r.byID {
		if b.UserID == userID {
			out = append(out, cloneBalance(b))
		}
	}
	return out, nil
}

func (r *fakeBalanceRepo) List(_ context.Context) ([]*models.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Balance
	for _, b := range r.byID {
		out = append(out, cloneBalance(b))
	}
	return out, nil
}

func (r *fakeBalanceRepo) applyChecked(balance *models.Balance) error {
	stored, ok := r.byID[balance.ID]
	if !ok {
		return fmt.Errorf("%w: balance %s not found", types.ErrInvalidInput, balance.ID)
	}
	if stored.Version != balance.Version {
		return fmt.Errorf("%w: balance %s version %d", types.ErrConcurrentModification, balance.ID, balance.Version)
	}
	balance.Version++
	r.byID[balance.ID] = cloneBalance(balance)
	return nil
}

func (r *fakeBalanceRepo) ApplyTransfer(_ context.Context, source, recipient *models.Balance, _ *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return r.applyErr
	}
	if err := r.applyChecked(source); err != nil {
		return err
	}
	r.byID[recipient.ID] = cloneBalance(recipient)
	return nil
}

func (r *fakeBalanceRepo) ApplyUnshield(_ context.Context, balance *models.Balance, _ *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return r.applyErr
	}
	return r.applyChecked(balance)
}

// fakeUserRepo is an in-memory UserRepository.
type fakeUserRepo struct {
	mu   sync.Mutex
	byID map[string]*models.User
}

func newFakeUserRepo(users ...*models.User) *fakeUserRepo {
	r := &fakeUserRepo{byID: make(map[string]*models.User)}
	for _, u := range users {
		r.byID[u.ID] = u
	}
	return r
}

func (r *fakeUserRepo) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[user.ID] = user
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s not found", types.ErrInvalidInput, id)
	}
	return u, nil
}

func (r *fakeUserRepo) GetByWalletAddress(_ context.Context, wallet string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.WalletAddress == wallet {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: no user with wallet address %s", types.ErrInvalidInput, wallet)
}

func (r *fakeUserRepo) List(context.Context) ([]*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.User
	for _, u := range r.byID {
		out = append(out, u)
	}
	return out, nil
}

func (r *fakeUserRepo) Update(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[user.ID] = user
	return nil
}

// fakeTransactionRepo records audit rows in memory.
type fakeTransactionRepo struct {
	mu   sync.Mutex
	rows []*models.Transaction
}

func (r *fakeTransactionRepo) Create(_ context.Context, tx *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, tx)
	return nil
}

func (r *fakeTransactionRepo) FindByUser(_ context.Context, userID string) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range r.rows {
		if tx.FromUserID == userID || tx.ToUserID == userID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (r *fakeTransactionRepo) List(context.Context) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Transaction{}, r.rows...), nil
}
