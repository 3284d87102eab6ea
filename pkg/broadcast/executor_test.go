package broadcast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
)

func TestParseResult(t *testing.T) {
	res, err := parseResult([]byte(`{"status":"SUCCESS","tx_hash":"0xDEF"}`))
	require.NoError(t, err)
	assert.Equal(t, gmp.BroadcastSuccess, res.Status)
	assert.Equal(t, "0xDEF", res.TxHash)

	res, err = parseResult([]byte(`{"status":"FAILED","error":"out of gas"}`))
	require.NoError(t, err)
	assert.Equal(t, gmp.BroadcastFailed, res.Status)
	assert.Equal(t, "out of gas", res.Error)

	_, err = parseResult([]byte(`{"status":"CONFIRMED"}`))
	assert.Error(t, err, "unknown status is a decode failure")

	_, err = parseResult([]byte(`not json`))
	assert.Error(t, err)
}

func TestCommandExecutor(t *testing.T) {
	exec := &CommandExecutor{Command: `echo '{"status":"SUCCESS","tx_hash":"0x1"}'`}
	res, err := exec.Execute(context.Background(), "bc-1", "0xABC", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, gmp.BroadcastSuccess, res.Status)
	assert.Equal(t, "0x1", res.TxHash)

	// Environment carries the call identity.
	exec = &CommandExecutor{Command: `printf '{"status":"FAILED","error":"%s"}' "$BROADCAST_ID"`}
	res, err = exec.Execute(context.Background(), "bc-2", "0xABC", nil)
	require.NoError(t, err)
	assert.Equal(t, "bc-2", res.Error)

	// Non-zero exit is an error the engine turns into FAILED.
	exec = &CommandExecutor{Command: `echo boom >&2; exit 1`}
	_, err = exec.Execute(context.Background(), "bc-3", "0xABC", nil)
	assert.ErrorContains(t, err, "boom")

	exec = &CommandExecutor{}
	_, err = exec.Execute(context.Background(), "bc-4", "0xABC", nil)
	assert.Error(t, err)
}

func TestExtractQueryID(t *testing.T) {
	assert.Equal(t, "12", extractQueryID([]byte(`{"verify_messages":[],"poll_id":"12"}`)))
	assert.Equal(t, "77", extractQueryID([]byte(`{"construct_proof":{},"session_id":77}`)))
	assert.Equal(t, "q-1", extractQueryID([]byte(`{"queryID":"q-1","poll_id":"12"}`)))
	assert.Empty(t, extractQueryID([]byte(`{"execute":{}}`)))
	assert.Empty(t, extractQueryID([]byte(`[1,2]`)))
}
