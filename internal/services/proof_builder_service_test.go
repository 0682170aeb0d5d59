package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shield-backend/internal/types"
	"shield-backend/internal/utils"
)

const (
	testToken     = "0x1111111111111111111111111111111111111111"
	testOwner     = "0xa66f18610c8f796e53d2b17ac0756b79d6771ce43cad2ee3c515e4f00869"
	testRecipient = "0xb77f28720d9f8a7f64e3c28bd1867c8ae7882df54dbe3ff4d626f5f11970"
)

func TestBuildShieldProofProducesCanonicalCommitment(t *testing.T) {
	prover := newFakeProver()
	builder := newTestBuilder(t, prover)

	blinding, err := utils.NewBlinding()
	require.NoError(t, err)

	bundle, err := builder.BuildShieldProof(context.Background(), &ShieldParams{
		TokenAddress:   testToken,
		Amount:         "100",
		PrivateAddress: testOwner,
		Blinding:       blinding,
	})
	require.NoError(t, err)

	assert.Len(t, bundle.Commitment, 66)
	assert.Equal(t, "0x", bundle.Commitment[:2])
	assert.Equal(t, "100", bundle.Amount)
	assert.Equal(t, []string{"1", "2"}, bundle.Proof.A)

	// The circuit saw decimal field strings only, no hex anywhere.
	inputs := prover.lastWitness(CircuitShield)
	require.Len(t, inputs, 4)
	tokenField, _ := utils.AddressToField(testToken)
	ownerField, _ := utils.HexToField(testOwner)
	assert.Equal(t, []string{"100", tokenField, ownerField, blinding}, inputs)
}

func TestBuildTransferProofRejectsExcessAmountWithoutProverCalls(t *testing.T) {
	prover := newFakeProver()
	builder := newTestBuilder(t, prover)

	_, err := builder.BuildTransferProof(context.Background(), &TransferParams{
		OldCommitment:           "0x1234",
		InputAmount:             "50",
		TransferAmount:          "51",
		TokenAddress:            testToken,
		PrivateAddress:          testOwner,
		OldBlinding:             "123",
		RecipientPrivateAddress: testRecipient,
		NewBlinding:             "456",
		ChangeBlinding:          "789",
	})
	require.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Zero(t, prover.witnessCount(), "validation failures must not reach the prover")
}

func TestBuildTransferProofRejectsNonPositiveAmount(t *testing.T) {
	prover := newFakeProver()
	builder := newTestBuilder(t, prover)

	for _, amount := range []string{"0", "-5", "abc", ""} {
		_, err := builder.BuildTransferProof(context.Background(), &TransferParams{
			OldCommitment:           "0xab",
			InputAmount:             "50",
			TransferAmount:          amount,
			TokenAddress:            testToken,
			PrivateAddress:          testOwner,
			OldBlinding:             "123",
			RecipientPrivateAddress: testRecipient,
			NewBlinding:             "456",
			ChangeBlinding:          "789",
		})
		assert.ErrorIs(t, err, types.ErrInvalidInput, "amount %q", amount)
	}
	assert.Zero(t, prover.witnessCount())
}

func TestBuildTransferProofEqualAmountsYieldsZeroChange(t *testing.T) {
	prover := newFakeProver()
	builder := newTestBuilder(t, prover)

	bundle, err := builder.BuildTransferProof(context.Background(), &TransferParams{
		OldCommitment:           "0x1234",
		InputAmount:             "40",
		TransferAmount:          "40",
		TokenAddress:            testToken,
		PrivateAddress:          testOwner,
		OldBlinding:             "111",
		RecipientPrivateAddress: testRecipient,
		NewBlinding:             "222",
		ChangeBlinding:          "333",
	})
	require.NoError(t, err)

	assert.Equal(t, "0", bundle.RemainingAmount)
	assert.NotEmpty(t, bundle.ChangeCommitment, "zero-amount change commitment is still produced")
	assert.NotEqual(t, bundle.NewCommitment, bundle.ChangeCommitment)
	assert.NotEqual(t, bundle.OldCommitment, bundle.NewCommitment)
	assert.NotEqual(t, bundle.OldCommitment, bundle.ChangeCommitment)
}

func TestShieldCommitmentRoundTripsIntoTransfer(t *testing.T) {
	prover := newFakeProver()
	builder := newTestBuilder(t, prover)
	ctx := context.Background()

	blinding, err := utils.NewBlinding()
	require.NoError(t, err)

	shielded, err := builder.BuildShieldProof(ctx, &ShieldParams{
		TokenAddress:   testToken,
		Amount:         "100",
		PrivateAddress: testOwner,
		Blinding:       blinding,
	})
	require.NoError(t, err)

	// Spending the shield output with the same owner/blinding must recompute
	// the identical commitment.
	transferred, err := builder.BuildTransferProof(ctx, &TransferParams{
		OldCommitment:           shielded.Commitment,
		InputAmount:             "100",
		TransferAmount:          "40",
		TokenAddress:            testToken,
		PrivateAddress:          testOwner,
		OldBlinding:             blinding,
		RecipientPrivateAddress: testRecipient,
		NewBlinding:             "222",
		ChangeBlinding:          "333",
	})
	require.NoError(t, err)

	assert.Equal(t, shielded.Commitment, transferred.CalculatedCommitment)
	assert.Equal(t, "60", transferred.RemainingAmount)
}

func TestBuildProofAcceptsBracketedStringOutputs(t *testing.T) {
	prover := newFakeProver()
	prover.stringOutputs = true
	builder := newTestBuilder(t, prover)

	bundle, err := builder.BuildShieldProof(context.Background(), &ShieldParams{
		TokenAddress:   testToken,
		Amount:         "5",
		PrivateAddress: testOwner,
		Blinding:       "77",
	})
	require.NoError(t, err)
	assert.Len(t, bundle.Commitment, 66)
}

func TestBuildProofLocalVerificationFailureIsFatal(t *testing.T) {
	prover := newFakeProver()
	prover.rejectProofs = true
	builder := newTestBuilder(t, prover)

	_, err := builder.BuildShieldProof(context.Background(), &ShieldParams{
		TokenAddress:   testToken,
		Amount:         "5",
		PrivateAddress: testOwner,
		Blinding:       "77",
	})
	require.ErrorIs(t, err, types.ErrProofInvalid)
}

func TestBuildUnshieldProofRejectsBadRecipient(t *testing.T) {
	prover := newFakeProver()
	builder := newTestBuilder(t, prover)

	_, err := builder.BuildUnshieldProof(context.Background(), &UnshieldParams{
		Commitment:       "0xab",
		Amount:           "10",
		TokenAddress:     testToken,
		RecipientAddress: "not-an-address",
		Blinding:         "9",
	})
	require.ErrorIs(t, err, types.ErrMalformedAddress)
	assert.Zero(t, prover.witnessCount())
}

func TestParseOutputs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		expect  []string
		wantErr bool
	}{
		{name: "native array", raw: `["123","456","789"]`, want: 3, expect: []string{"123", "456", "789"}},
		{name: "native number above 2^53 kept exact", raw: `[1152921504606846977]`, want: 1, expect: []string{"1152921504606846977"}},
		{name: "full-width field element as native number", raw: `[21888242871839275222246405745257275088548364400416034343698204186575808495616]`, want: 1, expect: []string{"21888242871839275222246405745257275088548364400416034343698204186575808495616"}},
		{name: "fractional number", raw: `[1.5]`, want: 1, wantErr: true},
		{name: "nested array", raw: `[["123","456"],"789"]`, want: 3, expect: []string{"123", "456", "789"}},
		{name: "bracketed string", raw: `"[\"123\",\"456\"]"`, want: 2, expect: []string{"123", "456"}},
		{name: "unquoted bracketed string", raw: `"[123, 456]"`, want: 2, expect: []string{"123", "456"}},
		{name: "wrong arity", raw: `["123"]`, want: 3, wantErr: true},
		{name: "non-decimal element", raw: `["0xab","456"]`, want: 2, wantErr: true},
		{name: "garbage", raw: `{"not":"a list"}`, want: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOutputs(json.RawMessage(tt.raw), tt.want)
			if tt.wantErr {
				require.ErrorIs(t, err, types.ErrOutputParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestCircuitCompiledOncePerName(t *testing.T) {
	prover := newFakeProver()
	builder := newTestBuilder(t, prover)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := builder.BuildShieldProof(ctx, &ShieldParams{
			TokenAddress:   testToken,
			Amount:         "5",
			PrivateAddress: testOwner,
			Blinding:       "77",
		})
		require.NoError(t, err)
	}

	builder.mu.Lock()
	cached := len(builder.programs)
	builder.mu.Unlock()
	assert.Equal(t, 1, cached)
}
