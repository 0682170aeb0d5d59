package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shield-backend/internal/clients"
	"shield-backend/internal/metrics"
	"shield-backend/internal/models"
	"shield-backend/internal/types"
	"shield-backend/internal/utils"
)

// Circuit names. Each maps to a source file <name>.zok under the circuit
// directory and keys the proving/verification key pair in KeyManager.
const (
	CircuitShield   = "shield"
	CircuitTransfer = "transfer"
	CircuitUnshield = "unshield"
)

// Declared public-output arity per circuit. The transfer circuit emits the
// recomputed old commitment plus the two fresh ones; unshield echoes the
// recomputed commitment, the owner field and the amount.
var circuitOutputs = map[string]int{
	CircuitShield:   1,
	CircuitTransfer: 3,
	CircuitUnshield: 3,
}

// ShieldParams are the inputs for a shield proof. Blinding is drawn by the
// caller so it can be persisted alongside the resulting commitment.
type ShieldParams struct {
	TokenAddress   string // 0x-prefixed EVM address
	Amount         string // decimal string
	PrivateAddress string // owner secret, hex field element
	Blinding       string // decimal field string
}

// TransferParams are the inputs for a transfer proof. OldCommitment and
// OldBlinding must be the record's active spend source, not necessarily its
// original commitment.
type TransferParams struct {
	OldCommitment           string // 32-byte hex
	InputAmount             string // decimal, the spendable amount behind OldCommitment
	TransferAmount          string // decimal
	TokenAddress            string
	PrivateAddress          string // sender owner secret, hex
	OldBlinding             string // decimal
	RecipientPrivateAddress string // recipient owner secret, hex
	NewBlinding             string
	ChangeBlinding          string
}

// UnshieldParams are the inputs for an unshield proof. RecipientAddress is
// the public EVM address receiving the funds. Ownership is proven through
// the blinding factor; the circuit takes no separate owner input.
type UnshieldParams struct {
	Commitment       string // 32-byte hex, active spend source
	Amount           string // decimal, full remaining balance
	TokenAddress     string
	RecipientAddress string
	Blinding         string // decimal
}

// ProofBuilder turns operation parameters into chain-ready proof bundles.
// Every build follows the same protocol: validate, encode the ordered
// circuit input vector as decimal field strings, compute the witness, parse
// the circuit's public outputs, generate the proof, and verify it locally
// before anything is allowed near the chain.
type ProofBuilder struct {
	prover     clients.ProvingClient
	keys       *KeyManager
	circuitDir string

	mu       sync.Mutex
	programs map[string]*clients.CompiledProgram
}

// NewProofBuilder creates a ProofBuilder reading circuit sources from
// circuitDir.
func NewProofBuilder(prover clients.ProvingClient, keys *KeyManager, circuitDir string) *ProofBuilder {
	return &ProofBuilder{
		prover:     prover,
		keys:       keys,
		circuitDir: circuitDir,
		programs:   make(map[string]*clients.CompiledProgram),
	}
}

// compiled returns the compiled artifact for a circuit, compiling at most
// once per circuit. Circuit sources are immutable within a deployment, so
// the cache never invalidates.
func (b *ProofBuilder) compiled(ctx context.Context, circuit string) (*clients.CompiledProgram, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if program, ok := b.programs[circuit]; ok {
		return program, nil
	}

	source, err := os.ReadFile(filepath.Join(b.circuitDir, circuit+".zok"))
	if err != nil {
		return nil, fmt.Errorf("%w: reading circuit source for %s: %v", types.ErrProvingService, circuit, err)
	}
	program, err := b.prover.Compile(ctx, string(source))
	if err != nil {
		return nil, fmt.Errorf("compiling circuit %s: %w", circuit, err)
	}
	logrus.WithField("circuit", circuit).Info("circuit compiled")
	b.programs[circuit] = program
	return program, nil
}

// parseOutputs normalizes the prover's declared public outputs. The service
// may return a native JSON sequence (possibly nested one level) or a single
// bracketed string; both forms collapse to a flat list of field strings.
// Numeric elements are decoded as json.Number, never float64: field elements
// exceed 2^53 and a float round trip would corrupt them silently.
func parseOutputs(raw json.RawMessage, want int) ([]string, error) {
	var fields []string

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var seq []interface{}
	if err := dec.Decode(&seq); err == nil {
		fields, err = flattenOutputs(seq)
		if err != nil {
			return nil, err
		}
	} else {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: output is neither a sequence nor a string: %s", types.ErrOutputParse, truncate(string(raw), 120))
		}
		fields = splitBracketedList(text)
	}

	if len(fields) != want {
		return nil, fmt.Errorf("%w: expected %d outputs, got %d", types.ErrOutputParse, want, len(fields))
	}
	for i, f := range fields {
		if _, ok := new(big.Int).SetString(f, 10); !ok {
			return nil, fmt.Errorf("%w: output %d is not a decimal field string: %q", types.ErrOutputParse, i, f)
		}
	}
	return fields, nil
}

func flattenOutputs(seq []interface{}) ([]string, error) {
	out := make([]string, 0, len(seq))
	for _, item := range seq {
		switch v := item.(type) {
		case string:
			out = append(out, strings.TrimSpace(v))
		case []interface{}:
			nested, err := flattenOutputs(v)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		case json.Number:
			out = append(out, v.String())
		default:
			return nil, fmt.Errorf("%w: unsupported output element %T", types.ErrOutputParse, item)
		}
	}
	return out, nil
}

// splitBracketedList parses the textual form `["123","456"]` or `[123, 456]`.
func splitBracketedList(text string) []string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "[")
	text = strings.TrimSuffix(text, "]")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"`)
		out = append(out, p)
	}
	return out
}

// prove runs the shared back half of every build: witness, output parsing,
// key lookup, proof generation, and local verification.
func (b *ProofBuilder) prove(ctx context.Context, circuit string, inputs []string) ([]string, *models.ProofPoints, error) {
	program, err := b.compiled(ctx, circuit)
	if err != nil {
		return nil, nil, err
	}

	witness, err := b.prover.ComputeWitness(ctx, program, inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("computing witness for %s: %w", circuit, err)
	}

	outputs, err := parseOutputs(witness.Output, circuitOutputs[circuit])
	if err != nil {
		return nil, nil, err
	}

	pair, err := b.keys.Keys(ctx, circuit, program)
	if err != nil {
		return nil, nil, err
	}

	proof, err := b.prover.GenerateProof(ctx, program, witness.Witness, pair.ProvingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("generating proof for %s: %w", circuit, err)
	}

	valid, err := b.prover.Verify(ctx, pair.VerificationKey, proof)
	if err != nil {
		return nil, nil, fmt.Errorf("verifying proof for %s: %w", circuit, err)
	}
	if !valid {
		// A proof we just generated failing against our own verification key
		// means the keys and the circuit have drifted apart. Nothing built
		// from this pair may reach the chain.
		return nil, nil, fmt.Errorf("%w: locally generated %s proof failed verification", types.ErrProofInvalid, circuit)
	}

	points := &models.ProofPoints{A: proof.A, B: proof.B, C: proof.C}
	return outputs, points, nil
}

func observeProof(circuit string, start time.Time, err *error) {
	result := "success"
	if *err != nil {
		result = "error"
	}
	metrics.ProofsGenerated.WithLabelValues(circuit, result).Inc()
	metrics.ProofDuration.WithLabelValues(circuit).Observe(time.Since(start).Seconds())
}

// BuildShieldProof builds the parameter bundle for a shield call.
// Circuit inputs: [amount, tokenField, privateAddress, blinding].
func (b *ProofBuilder) BuildShieldProof(ctx context.Context, params *ShieldParams) (out *models.ShieldProofData, err error) {
	defer observeProof(CircuitShield, time.Now(), &err)

	amount, err := utils.ValidateAmount(params.Amount)
	if err != nil {
		return nil, err
	}
	tokenField, err := utils.AddressToField(params.TokenAddress)
	if err != nil {
		return nil, err
	}
	ownerField, err := utils.HexToField(params.PrivateAddress)
	if err != nil {
		return nil, err
	}

	inputs := []string{amount.String(), tokenField, ownerField, params.Blinding}
	outputs, proof, err := b.prove(ctx, CircuitShield, inputs)
	if err != nil {
		return nil, err
	}

	commitment, err := utils.FieldToHex32(outputs[0])
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"operation":  CircuitShield,
		"commitment": commitment,
	}).Info("shield proof built")

	return &models.ShieldProofData{
		TokenAddress: params.TokenAddress,
		Amount:       amount.String(),
		Commitment:   commitment,
		Proof:        *proof,
	}, nil
}

// BuildTransferProof builds the parameter bundle for a transfer call.
// Circuit inputs: [oldCommitment, inputAmount, transferAmount, tokenField,
// privateAddress, oldBlinding, recipientField, newBlinding, changeBlinding].
// Outputs: [calculatedCommitment, newCommitment, changeCommitment].
func (b *ProofBuilder) BuildTransferProof(ctx context.Context, params *TransferParams) (out *models.TransferProofData, err error) {
	defer observeProof(CircuitTransfer, time.Now(), &err)

	inputAmount, err := utils.ValidateAmount(params.InputAmount)
	if err != nil {
		return nil, err
	}
	transferAmount, err := utils.ValidateAmount(params.TransferAmount)
	if err != nil {
		return nil, err
	}
	// transferAmount == inputAmount is valid and yields a zero-amount change
	// commitment.
	if transferAmount.Cmp(inputAmount) > 0 {
		return nil, fmt.Errorf("%w: transfer amount %s exceeds spendable amount %s",
			types.ErrInvalidInput, transferAmount, inputAmount)
	}

	oldCommitmentField, err := utils.HexToField(params.OldCommitment)
	if err != nil {
		return nil, err
	}
	tokenField, err := utils.AddressToField(params.TokenAddress)
	if err != nil {
		return nil, err
	}
	ownerField, err := utils.HexToField(params.PrivateAddress)
	if err != nil {
		return nil, err
	}
	recipientField, err := utils.HexToField(params.RecipientPrivateAddress)
	if err != nil {
		return nil, err
	}

	inputs := []string{
		oldCommitmentField,
		inputAmount.String(),
		transferAmount.String(),
		tokenField,
		ownerField,
		params.OldBlinding,
		recipientField,
		params.NewBlinding,
		params.ChangeBlinding,
	}
	outputs, proof, err := b.prove(ctx, CircuitTransfer, inputs)
	if err != nil {
		return nil, err
	}

	calculated, err := utils.FieldToHex32(outputs[0])
	if err != nil {
		return nil, err
	}
	newCommitment, err := utils.FieldToHex32(outputs[1])
	if err != nil {
		return nil, err
	}
	changeCommitment, err := utils.FieldToHex32(outputs[2])
	if err != nil {
		return nil, err
	}

	remaining := new(big.Int).Sub(inputAmount, transferAmount)

	logrus.WithFields(logrus.Fields{
		"operation":         CircuitTransfer,
		"old_commitment":    params.OldCommitment,
		"new_commitment":    newCommitment,
		"change_commitment": changeCommitment,
	}).Info("transfer proof built")

	return &models.TransferProofData{
		OldCommitment:        params.OldCommitment,
		InputAmount:          inputAmount.String(),
		TransferAmount:       transferAmount.String(),
		TokenAddress:         params.TokenAddress,
		RecipientAddress:     params.RecipientPrivateAddress,
		NewBlinding:          params.NewBlinding,
		ChangeBlinding:       params.ChangeBlinding,
		CalculatedCommitment: calculated,
		NewCommitment:        newCommitment,
		ChangeCommitment:     changeCommitment,
		RemainingAmount:      remaining.String(),
		Proof:                *proof,
	}, nil
}

// BuildUnshieldProof builds the parameter bundle for an unshield call.
// Circuit inputs: [commitment, amount, tokenField, recipientField, blinding];
// the circuit itself enforces that amount matches the commitment's balance.
func (b *ProofBuilder) BuildUnshieldProof(ctx context.Context, params *UnshieldParams) (out *models.UnshieldProofData, err error) {
	defer observeProof(CircuitUnshield, time.Now(), &err)

	amount, err := utils.ValidateAmount(params.Amount)
	if err != nil {
		return nil, err
	}
	if !utils.IsEvmAddress(params.RecipientAddress) {
		return nil, fmt.Errorf("%w: recipient %q is not an EVM address", types.ErrMalformedAddress, params.RecipientAddress)
	}

	commitmentField, err := utils.HexToField(params.Commitment)
	if err != nil {
		return nil, err
	}
	tokenField, err := utils.AddressToField(params.TokenAddress)
	if err != nil {
		return nil, err
	}
	recipientField, err := utils.AddressToField(params.RecipientAddress)
	if err != nil {
		return nil, err
	}

	inputs := []string{
		commitmentField,
		amount.String(),
		tokenField,
		recipientField,
		params.Blinding,
	}
	outputs, proof, err := b.prove(ctx, CircuitUnshield, inputs)
	if err != nil {
		return nil, err
	}

	calculated, err := utils.FieldToHex32(outputs[0])
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"operation":  CircuitUnshield,
		"commitment": params.Commitment,
		"recipient":  params.RecipientAddress,
	}).Info("unshield proof built")

	return &models.UnshieldProofData{
		Commitment:           params.Commitment,
		CalculatedCommitment: calculated,
		TokenAddress:         params.TokenAddress,
		Amount:               amount.String(),
		RecipientAddress:     params.RecipientAddress,
		Proof:                *proof,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
