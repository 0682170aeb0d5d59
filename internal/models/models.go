package models

import (
	"fmt"
	"time"

	"shield-backend/internal/types"
)

// User is an account that can hold shielded balances. PrivateAddress is the
// owner secret bound into every commitment preimage; it is never serialized
// into API responses, same as the password hash and the TOTP secret.
type User struct {
	ID             string `json:"id" gorm:"primaryKey"` // UUID
	WalletAddress  string `json:"wallet_address" gorm:"size:42;uniqueIndex;not null"`
	PrivateAddress string `json:"-" gorm:"size:66;not null"` // owner secret (field element, hex)
	PasswordHash   string `json:"-" gorm:"size:72"`
	TOTPSecret     string `json:"-" gorm:"size:64"` // empty unless 2FA enrolled
	IsActive       bool   `json:"is_active" gorm:"default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// ProofPoints are the three Groth16 proof components in the shape the
// on-chain verifier takes them: pA uint[2], pB uint[2][2], pC uint[2],
// each element a decimal field string.
type ProofPoints struct {
	A []string   `json:"pA"`
	B [][]string `json:"pB"`
	C []string   `json:"pC"`
}

// ShieldProofData is the parameter bundle produced for a shield call.
type ShieldProofData struct {
	TokenAddress string      `json:"tokenAddress"`
	Amount       string      `json:"amount"`
	Commitment   string      `json:"commitment"` // 32-byte hex
	Proof        ProofPoints `json:"proof"`
}

// TransferProofData is the parameter bundle produced for a transfer call.
// The change commitment/blinding pair is what the next spend of this record
// must consume once the transfer confirms.
type TransferProofData struct {
	OldCommitment        string      `json:"oldCommitment"`
	InputAmount          string      `json:"inputAmount"`
	TransferAmount       string      `json:"transferAmount"`
	TokenAddress         string      `json:"tokenAddress"`
	RecipientAddress     string      `json:"recipientAddress"`
	NewBlinding          string      `json:"newBlinding"`
	ChangeBlinding       string      `json:"changeBlinding"`
	CalculatedCommitment string      `json:"calculatedCommitment"` // 32-byte hex
	NewCommitment        string      `json:"newCommitment"`        // 32-byte hex, recipient
	ChangeCommitment     string      `json:"changeCommitment"`     // 32-byte hex, sender remainder
	RemainingAmount      string      `json:"remainingAmount"`
	Proof                ProofPoints `json:"proof"`
}

// UnshieldProofData is the parameter bundle produced for an unshield call.
type UnshieldProofData struct {
	Commitment           string      `json:"commitment"`
	CalculatedCommitment string      `json:"calculatedCommitment"`
	TokenAddress         string      `json:"tokenAddress"`
	Amount               string      `json:"amount"`
	RecipientAddress     string      `json:"recipientAddress"`
	Proof                ProofPoints `json:"proof"`
}

// UnshieldAudit records who received the unshielded funds and when.
type UnshieldAudit struct {
	RecipientAddress string    `json:"recipientAddress"`
	Amount           string    `json:"amount"`
	TxHash           string    `json:"txHash"`
	Timestamp        time.Time `json:"timestamp"`
}

// Balance is one shielded commitment record. Amount is a decimal string
// because values span the full 256-bit range. The record is never deleted;
// Unshielded marks end of life. Version implements the optimistic lock that
// guarantees at most one in-flight spend per record.
type Balance struct {
	ID     string `json:"id" gorm:"primaryKey"` // UUID
	UserID string `json:"user_id" gorm:"index;not null"`

	Commitment   string `json:"commitment" gorm:"size:66;index;not null"` // bytes32 hex
	Amount       string `json:"amount" gorm:"not null"`                   // decimal string
	TokenAddress string `json:"token_address" gorm:"size:42;not null"`
	Blinding     string `json:"-" gorm:"size:80;not null"` // secret field element, decimal

	TransfersDone int  `json:"transfers_done" gorm:"default:0"`
	Unshielded    bool `json:"unshielded" gorm:"default:false"`

	ShieldProofData   *ShieldProofData   `json:"shield_proof_data,omitempty" gorm:"type:text;serializer:json"`
	TransferProofData *TransferProofData `json:"-" gorm:"type:text;serializer:json"`
	UnshieldData      *UnshieldAudit     `json:"unshield_data,omitempty" gorm:"type:text;serializer:json"`

	Version int `json:"-" gorm:"default:0;not null"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Balance) TableName() string {
	return "balances"
}

// SpendSourceKind tags which commitment a spend must consume.
type SpendSourceKind string

const (
	// SpendFresh spends the record's original commitment/blinding.
	SpendFresh SpendSourceKind = "fresh"
	// SpendChange spends the change commitment/blinding of the most recent
	// confirmed transfer. Spending the stale original after a transfer would
	// produce a proof against a commitment the chain no longer holds.
	SpendChange SpendSourceKind = "change"
)

// SpendSource is the (commitment, blinding) pair the next spend of a record
// must consume, as an explicit tagged state rather than an inferred counter
// check.
type SpendSource struct {
	Kind       SpendSourceKind
	Commitment string // 32-byte hex
	Blinding   string // decimal field string
}

// ActiveSpendSource resolves the spendable commitment of the record.
// Terminal (unshielded) records have no spend source.
func (b *Balance) ActiveSpendSource() (*SpendSource, error) {
	if b.Unshielded {
		return nil, fmt.Errorf("%w: balance %s is unshielded and terminal", types.ErrInvalidInput, b.ID)
	}
	if b.TransfersDone == 0 {
		return &SpendSource{Kind: SpendFresh, Commitment: b.Commitment, Blinding: b.Blinding}, nil
	}
	if b.TransferProofData == nil || b.TransferProofData.ChangeCommitment == "" {
		return nil, fmt.Errorf("%w: balance %s has %d transfers but no change commitment on record",
			types.ErrPersistence, b.ID, b.TransfersDone)
	}
	return &SpendSource{
		Kind:       SpendChange,
		Commitment: b.TransferProofData.ChangeCommitment,
		Blinding:   b.TransferProofData.ChangeBlinding,
	}, nil
}

// TransactionType distinguishes audit rows.
type TransactionType string

const (
	TransactionTypeShield   TransactionType = "shield"
	TransactionTypeTransfer TransactionType = "transfer"
	TransactionTypeUnshield TransactionType = "unshield"
)

// Transaction is the audit row written for every confirmed operation.
type Transaction struct {
	ID         string          `json:"id" gorm:"primaryKey"` // UUID
	Type       TransactionType `json:"type" gorm:"not null;index"`
	FromUserID string          `json:"from_user_id" gorm:"index"`
	ToUserID   string          `json:"to_user_id" gorm:"index"`

	Commitment       string `json:"commitment" gorm:"size:66"`
	NewCommitment    string `json:"new_commitment" gorm:"size:66"`
	ChangeCommitment string `json:"change_commitment" gorm:"size:66"`
	Amount           string `json:"amount"`
	TokenAddress     string `json:"token_address" gorm:"size:42"`
	Recipient        string `json:"recipient" gorm:"size:42"` // public recipient (unshield only)

	TxHash      string `json:"tx_hash" gorm:"size:66;index"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`

	CreatedAt time.Time `json:"created_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}
