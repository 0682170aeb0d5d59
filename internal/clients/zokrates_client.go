package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"shield-backend/internal/config"
	"shield-backend/internal/types"
)

// CompiledProgram is the opaque artifact returned by the prover's compile
// step. The backend never inspects it; it only hands it back to the prover.
type CompiledProgram struct {
	Program []byte `json:"program"`
}

// WitnessResult is the witness plus the circuit's declared public outputs.
// Output is raw because the prover may return either a native JSON sequence
// or a textual bracketed list; the proof builder normalizes both.
type WitnessResult struct {
	Witness string          `json:"witness"`
	Output  json.RawMessage `json:"output"`
}

// KeyPair is the result of a trusted setup for one circuit.
type KeyPair struct {
	ProvingKey      []byte          `json:"proving_key"`
	VerificationKey json.RawMessage `json:"verification_key"`
}

// ZKProof holds the three Groth16 proof components as decimal field strings.
type ZKProof struct {
	A []string   `json:"a"`
	B [][]string `json:"b"`
	C []string   `json:"c"`
}

// ProvingClient is the capability interface over the external proving
// service. Any binding (HTTP service, in-process library, test double) must
// satisfy exactly this contract; the core never depends on a specific
// binding's lifecycle.
type ProvingClient interface {
	Compile(ctx context.Context, source string) (*CompiledProgram, error)
	ComputeWitness(ctx context.Context, program *CompiledProgram, inputs []string) (*WitnessResult, error)
	Setup(ctx context.Context, program *CompiledProgram) (*KeyPair, error)
	GenerateProof(ctx context.Context, program *CompiledProgram, witness string, provingKey []byte) (*ZKProof, error)
	Verify(ctx context.Context, verificationKey json.RawMessage, proof *ZKProof) (bool, error)
}

// ZokratesClient is the HTTP binding of ProvingClient against the ZoKrates
// proving service.
type ZokratesClient struct {
	BaseURL string
	Client  *http.Client
}

// NewZokratesClient creates a prover client. The timeout comes from
// configuration; proving and setup are minute-scale operations, so the
// default is deliberately generous.
func NewZokratesClient(baseURL string) *ZokratesClient {
	timeout := 600 * time.Second
	if config.AppConfig != nil && config.AppConfig.Prover.Timeout > 0 {
		timeout = time.Duration(config.AppConfig.Prover.Timeout) * time.Second
	}

	logrus.WithFields(logrus.Fields{
		"base_url": baseURL,
		"timeout":  timeout,
	}).Info("prover client created")

	return &ZokratesClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (z *ZokratesClient) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("%w: marshaling %s request: %v", types.ErrProvingService, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, z.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: building %s request: %v", types.ErrProvingService, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := z.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s call: %v", types.ErrProvingService, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", types.ErrProvingService, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned HTTP %d: %s", types.ErrProvingService, path, resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", types.ErrProvingService, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (z *ZokratesClient) Compile(ctx context.Context, source string) (*CompiledProgram, error) {
	var out CompiledProgram
	err := z.post(ctx, "/compile", map[string]string{"source": source}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (z *ZokratesClient) ComputeWitness(ctx context.Context, program *CompiledProgram, inputs []string) (*WitnessResult, error) {
	var out WitnessResult
	err := z.post(ctx, "/compute-witness", map[string]interface{}{
		"program": program.Program,
		"inputs":  inputs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (z *ZokratesClient) Setup(ctx context.Context, program *CompiledProgram) (*KeyPair, error) {
	var out KeyPair
	err := z.post(ctx, "/setup", map[string]interface{}{"program": program.Program}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (z *ZokratesClient) GenerateProof(ctx context.Context, program *CompiledProgram, witness string, provingKey []byte) (*ZKProof, error) {
	var out struct {
		Proof ZKProof `json:"proof"`
	}
	err := z.post(ctx, "/generate-proof", map[string]interface{}{
		"program":     program.Program,
		"witness":     witness,
		"proving_key": provingKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Proof, nil
}

func (z *ZokratesClient) Verify(ctx context.Context, verificationKey json.RawMessage, proof *ZKProof) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := z.post(ctx, "/verify", map[string]interface{}{
		"verification_key": verificationKey,
		"proof":            proof,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}
