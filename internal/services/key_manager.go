package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"shield-backend/internal/clients"
	"shield-backend/internal/metrics"
	"shield-backend/internal/types"
)

// KeyManager owns the proving/verification key pair of each circuit. A key
// pair is produced by the prover's trusted setup exactly once per circuit
// per deployment: first from disk if a previous run persisted it, otherwise
// by running setup and persisting the result. Regenerating keys for a
// circuit that already has them would invalidate every proof verified
// against the old verification key, so concurrent first requests for the
// same circuit are serialized and only the first one runs setup.
type KeyManager struct {
	prover clients.ProvingClient
	dir    string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]*clients.KeyPair
}

// NewKeyManager creates a KeyManager persisting keys under dir.
func NewKeyManager(prover clients.ProvingClient, dir string) *KeyManager {
	return &KeyManager{
		prover: prover,
		dir:    dir,
		locks:  make(map[string]*sync.Mutex),
		cache:  make(map[string]*clients.KeyPair),
	}
}

func (m *KeyManager) circuitLock(circuit string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[circuit]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[circuit] = lock
	}
	return lock
}

func (m *KeyManager) provingKeyPath(circuit string) string {
	return filepath.Join(m.dir, circuit+"-proving.key")
}

func (m *KeyManager) verificationKeyPath(circuit string) string {
	return filepath.Join(m.dir, circuit+"-verification.key")
}

// Keys returns the key pair for a circuit, running trusted setup on first
// use. program must be the compiled artifact of the same circuit.
func (m *KeyManager) Keys(ctx context.Context, circuit string, program *clients.CompiledProgram) (*clients.KeyPair, error) {
	lock := m.circuitLock(circuit)
	lock.Lock()
	defer lock.Unlock()

	if pair, ok := m.cache[circuit]; ok {
		return pair, nil
	}

	if pair, err := m.loadFromDisk(circuit); err == nil {
		logrus.WithField("circuit", circuit).Info("proving keys loaded from disk")
		m.cache[circuit] = pair
		return pair, nil
	}

	logrus.WithField("circuit", circuit).Info("no persisted keys, running trusted setup")
	pair, err := m.prover.Setup(ctx, program)
	if err != nil {
		return nil, fmt.Errorf("setup for circuit %s: %w", circuit, err)
	}
	metrics.KeySetups.WithLabelValues(circuit).Inc()

	if err := m.persist(circuit, pair); err != nil {
		// The pair is still usable for this process; losing it only costs
		// another setup on the next restart.
		logrus.WithError(err).WithField("circuit", circuit).Warn("failed to persist proving keys")
	}

	m.cache[circuit] = pair
	return pair, nil
}

func (m *KeyManager) loadFromDisk(circuit string) (*clients.KeyPair, error) {
	provingKey, err := os.ReadFile(m.provingKeyPath(circuit))
	if err != nil {
		return nil, err
	}
	verificationKey, err := os.ReadFile(m.verificationKeyPath(circuit))
	if err != nil {
		return nil, err
	}
	if !json.Valid(verificationKey) {
		return nil, fmt.Errorf("%w: verification key for %s on disk is not valid JSON", types.ErrPersistence, circuit)
	}
	return &clients.KeyPair{
		ProvingKey:      provingKey,
		VerificationKey: json.RawMessage(verificationKey),
	}, nil
}

func (m *KeyManager) persist(circuit string, pair *clients.KeyPair) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating key directory %s: %w", m.dir, err)
	}
	if err := os.WriteFile(m.provingKeyPath(circuit), pair.ProvingKey, 0o600); err != nil {
		return fmt.Errorf("writing proving key: %w", err)
	}
	if err := os.WriteFile(m.verificationKeyPath(circuit), pair.VerificationKey, 0o600); err != nil {
		return fmt.Errorf("writing verification key: %w", err)
	}
	return nil
}
