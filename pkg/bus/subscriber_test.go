package bus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

func newTestSubscriber(t *testing.T) (*Subscriber, *store.TaskStore, *store.QueryStore) {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tasks, err := store.NewTaskStore(db)
	require.NoError(t, err)
	queries, err := store.NewQueryStore(db)
	require.NoError(t, err)

	// No Redis connection needed to exercise item handling.
	s := &Subscriber{
		queue:   DefaultQueue,
		tasks:   tasks,
		queries: queries,
		logger:  slog.New(slog.DiscardHandler),
	}
	return s, tasks, queries
}

func TestHandleVerifyMessages(t *testing.T) {
	s, tasks, _ := newTestSubscriber(t)
	ctx := context.Background()

	item := `{"VerifyMessages":{"poll_id":"12","chain":"xrpl","contract_address":"axelar1voting"}}`
	require.NoError(t, s.Handle(ctx, []byte(item)))

	recs, err := tasks.ListSince(ctx, "xrpl", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, gmp.TaskKindReactToWasmEvent, recs[0].Kind)

	var fields gmp.ReactToWasmEventTaskFields
	require.NoError(t, json.Unmarshal(recs[0].Task, &fields))
	assert.Equal(t, "wasm-quorum_reached", fields.Event.Type)
	require.NotEmpty(t, fields.Event.Attributes)
	assert.Equal(t, "poll_id", fields.Event.Attributes[0].Key)
	assert.Equal(t, "12", fields.Event.Attributes[0].Value)
}

func TestHandleConstructProof_InlineData(t *testing.T) {
	s, tasks, _ := newTestSubscriber(t)
	ctx := context.Background()

	item := `{"ConstructProof":{"session_id":"77","chain":"xrpl","contract_address":"axelar1multisig","execute_data":"1200002200"}}`
	require.NoError(t, s.Handle(ctx, []byte(item)))

	recs, err := tasks.ListSince(ctx, "xrpl", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, gmp.TaskKindGatewayTx, recs[0].Kind)

	var fields gmp.GatewayTxTaskFields
	require.NoError(t, json.Unmarshal(recs[0].Task, &fields))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("1200002200")), fields.ExecuteData)
}

func TestHandleConstructProof_FromQueryResult(t *testing.T) {
	s, tasks, queries := newTestSubscriber(t)
	ctx := context.Background()

	require.NoError(t, queries.Insert(ctx, "88", "axelar1multisig", `{"proof":{"multisig_session_id":"88"}}`))
	require.NoError(t, queries.UpdateResult(ctx, "88", "deadbeef", ""))

	item := `{"ConstructProof":{"session_id":"88","chain":"xrpl","contract_address":"axelar1multisig"}}`
	require.NoError(t, s.Handle(ctx, []byte(item)))

	recs, err := tasks.ListSince(ctx, "xrpl", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	var fields gmp.GatewayTxTaskFields
	require.NoError(t, json.Unmarshal(recs[0].Task, &fields))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("deadbeef")), fields.ExecuteData)
}

func TestHandleConstructProof_NoData(t *testing.T) {
	s, _, _ := newTestSubscriber(t)

	item := `{"ConstructProof":{"session_id":"99","chain":"xrpl","contract_address":"axelar1multisig"}}`
	assert.Error(t, s.Handle(context.Background(), []byte(item)))
}

func TestHandleUnknownItem(t *testing.T) {
	s, _, _ := newTestSubscriber(t)
	assert.Error(t, s.Handle(context.Background(), []byte(`{"Other":{}}`)))
	assert.Error(t, s.Handle(context.Background(), []byte(`not json`)))
}
