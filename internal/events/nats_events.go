package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Ledger event subjects.
const (
	SubjectShielded       = "shield.ledger.shielded"
	SubjectTransferred    = "shield.ledger.transferred"
	SubjectUnshielded     = "shield.ledger.unshielded"
	SubjectReconciliation = "shield.ledger.reconciliation"
)

// LedgerEvent is the payload published for every confirmed operation and
// for reconciliation alerts. Commitments only, never blindings or owner
// secrets: the bus is not an owner-authorized context.
type LedgerEvent struct {
	Type             string    `json:"type"`
	UserID           string    `json:"user_id,omitempty"`
	BalanceID        string    `json:"balance_id,omitempty"`
	Commitment       string    `json:"commitment,omitempty"`
	NewCommitment    string    `json:"new_commitment,omitempty"`
	ChangeCommitment string    `json:"change_commitment,omitempty"`
	TxHash           string    `json:"tx_hash,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Publisher pushes ledger events onto NATS. A nil Publisher is valid and
// drops everything, so event publishing stays optional in deployments
// without a bus.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher connects to NATS. An empty URL disables publishing.
func NewPublisher(url string) (*Publisher, error) {
	if url == "" {
		logrus.Info("NATS URL not configured, event publishing disabled")
		return nil, nil
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	logrus.WithField("url", url).Info("connected to NATS")
	return &Publisher{conn: conn}, nil
}

// Publish sends an event, best-effort. Event loss is acceptable; ledger
// state never depends on the bus.
func (p *Publisher) Publish(subject string, event *LedgerEvent) {
	if p == nil || p.conn == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logrus.WithError(err).WithField("subject", subject).Warn("failed to marshal ledger event")
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		logrus.WithError(err).WithField("subject", subject).Warn("failed to publish ledger event")
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
