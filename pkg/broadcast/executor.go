package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
)

// Result is the structured outcome of an executor or status-checker call.
type Result struct {
	Status gmp.BroadcastStatus `json:"status"`
	TxHash string              `json:"tx_hash,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// Executor attempts the on-chain submission of a broadcast. It is a boundary
// contract: the engine converts any returned error into a FAILED result and
// never surfaces it to the submitter.
type Executor interface {
	Execute(ctx context.Context, broadcastID, contractAddress string, payload []byte) (Result, error)
}

// StatusChecker polls for the finality of a previously submitted transaction.
// An unconfirmed transaction reports RECEIVED.
type StatusChecker interface {
	Check(ctx context.Context, broadcastID, contractAddress, txHash string) (Result, error)
}

// CommandExecutor shells out to an external command and parses its JSON
// stdout as a Result. The broadcast payload is fed on stdin; the broadcast id
// and contract address are exposed as environment variables.
type CommandExecutor struct {
	Command string
}

func (e *CommandExecutor) Execute(ctx context.Context, broadcastID, contractAddress string, payload []byte) (Result, error) {
	env := []string{
		"BROADCAST_ID=" + broadcastID,
		"CONTRACT_ADDRESS=" + contractAddress,
	}
	return runCommand(ctx, e.Command, env, payload)
}

// CommandChecker shells out to an external command for each status poll.
type CommandChecker struct {
	Command string
}

func (c *CommandChecker) Check(ctx context.Context, broadcastID, contractAddress, txHash string) (Result, error) {
	env := []string{
		"BROADCAST_ID=" + broadcastID,
		"CONTRACT_ADDRESS=" + contractAddress,
		"TX_HASH=" + txHash,
	}
	return runCommand(ctx, c.Command, env, nil)
}

func runCommand(ctx context.Context, command string, env []string, stdin []byte) (Result, error) {
	if command == "" {
		return Result{}, fmt.Errorf("no command configured")
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Env = append(cmd.Environ(), env...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("command failed: %v: %s", err, firstLine(stderr.Bytes()))
	}
	return parseResult(stdout.Bytes())
}

func parseResult(out []byte) (Result, error) {
	var raw struct {
		Status string `json:"status"`
		TxHash string `json:"tx_hash"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return Result{}, fmt.Errorf("malformed result output: %w", err)
	}

	status, err := gmp.ParseBroadcastStatus(raw.Status)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: status, TxHash: raw.TxHash, Error: raw.Error}, nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
