package statebus

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	_ "modernc.org/sqlite"
)

func TestQueryOnce(t *testing.T) {
	dispatcher := NewQueryDispatcher()
	dispatcher.RegisterExecutor("echo", QueryExecutorFunc(func(namespace string, params []byte) ([]byte, error) {
		return params, nil
	}))
	a := NewId()

	response := dispatcher.Submit(a, &Query{
		QueryId:   1,
		Namespace: "echo",
		Params:    []byte(`[1,2]`),
		Mode:      QueryModeOnce,
	})
	assert.Equal(t, response.Status, QueryDone)
	assert.Equal(t, response.Rows, []byte(`[1,2]`))
	assert.Equal(t, dispatcher.ActiveCount(), 0)
}

func TestQueryUnknownNamespace(t *testing.T) {
	dispatcher := NewQueryDispatcher()
	a := NewId()

	response := dispatcher.Submit(a, &Query{
		QueryId:   1,
		Namespace: "missing",
		Mode:      QueryModeOnce,
	})
	assert.Equal(t, response.Status, QueryError)
	assert.NotEqual(t, response.Reason, "")
}

func TestQuerySubscribe(t *testing.T) {
	calls := 0
	dispatcher := NewQueryDispatcher()
	dispatcher.RegisterExecutor("count", QueryExecutorFunc(func(namespace string, params []byte) ([]byte, error) {
		calls += 1
		return json.Marshal(calls)
	}))
	a := NewId()

	response := dispatcher.Submit(a, &Query{
		QueryId:   1,
		Namespace: "count",
		Mode:      QueryModeSubscribe,
	})
	assert.Equal(t, response.Status, QueryOk)
	assert.Equal(t, response.Rows, []byte(`1`))
	assert.Equal(t, dispatcher.ActiveCount(), 1)

	responses := dispatcher.RunActive()
	assert.Equal(t, len(responses), 1)
	assert.Equal(t, responses[0].ConnectionId, a)
	assert.Equal(t, responses[0].Response.Status, QueryOk)
	assert.Equal(t, responses[0].Response.Rows, []byte(`2`))

	// cancel ends the query
	cancelResponse := dispatcher.Cancel(a, 1)
	assert.Equal(t, cancelResponse.Status, QueryDone)
	assert.Equal(t, dispatcher.ActiveCount(), 0)
	assert.Equal(t, dispatcher.Cancel(a, 1), nil)
}

// an executor failure during re-run ends the live query
func TestQuerySubscribeError(t *testing.T) {
	calls := 0
	dispatcher := NewQueryDispatcher()
	dispatcher.RegisterExecutor("flaky", QueryExecutorFunc(func(namespace string, params []byte) ([]byte, error) {
		calls += 1
		if 1 < calls {
			return nil, errors.New("backend gone")
		}
		return []byte(`[]`), nil
	}))
	a := NewId()

	response := dispatcher.Submit(a, &Query{
		QueryId:   1,
		Namespace: "flaky",
		Mode:      QueryModeSubscribe,
	})
	assert.Equal(t, response.Status, QueryOk)

	responses := dispatcher.RunActive()
	assert.Equal(t, responses[0].Response.Status, QueryError)
	assert.Equal(t, dispatcher.ActiveCount(), 0)
}

func TestQueryOnDisconnect(t *testing.T) {
	dispatcher := NewQueryDispatcher()
	dispatcher.RegisterExecutor("echo", QueryExecutorFunc(func(namespace string, params []byte) ([]byte, error) {
		return params, nil
	}))
	a := NewId()
	b := NewId()

	dispatcher.Submit(a, &Query{QueryId: 1, Namespace: "echo", Mode: QueryModeSubscribe})
	dispatcher.Submit(a, &Query{QueryId: 2, Namespace: "echo", Mode: QueryModeSubscribe})
	dispatcher.Submit(b, &Query{QueryId: 1, Namespace: "echo", Mode: QueryModeSubscribe})

	assert.Equal(t, dispatcher.OnDisconnect(a), 2)
	assert.Equal(t, dispatcher.ActiveCount(), 1)
	assert.Equal(t, dispatcher.OnDisconnect(a), 0)
}

func TestRecordsQuery(t *testing.T) {
	store := NewMemoryRecordStore()
	store.Set(1, "Position", testPosition{X: 1})
	store.Set(2, "Position", testPosition{X: 2})
	store.Set(2, "Label", "b")
	store.Set(3, "Label", "c")

	executor := NewRecordsQueryExecutor(store)

	rows, err := executor.ExecuteQuery(RecordsQueryNamespace, nil)
	assert.Equal(t, err, nil)
	var all []recordsQueryRow
	assert.Equal(t, json.Unmarshal(rows, &all), nil)
	assert.Equal(t, all, []recordsQueryRow{
		{RecordId: 1, TypeNames: []string{"Position"}},
		{RecordId: 2, TypeNames: []string{"Label", "Position"}},
		{RecordId: 3, TypeNames: []string{"Label"}},
	})

	rows, err = executor.ExecuteQuery(RecordsQueryNamespace, []byte(`{"type_names":["Position"]}`))
	assert.Equal(t, err, nil)
	var filtered []recordsQueryRow
	assert.Equal(t, json.Unmarshal(rows, &filtered), nil)
	assert.Equal(t, len(filtered), 2)

	_, err = executor.ExecuteQuery(RecordsQueryNamespace, []byte(`not json`))
	assert.NotEqual(t, err, nil)
}

func TestSqliteQuery(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	assert.Equal(t, err, nil)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE players (id INTEGER PRIMARY KEY, name TEXT)`)
	assert.Equal(t, err, nil)
	_, err = db.Exec(`INSERT INTO players (id, name) VALUES (1, 'ana'), (2, 'bo')`)
	assert.Equal(t, err, nil)

	executor := NewSqliteQueryExecutor(db)
	executor.RegisterStatement("players.by_id", `SELECT id, name FROM players WHERE id = ?`)
	executor.RegisterStatement("players.all", `SELECT id, name FROM players ORDER BY id`)

	assert.Equal(t, executor.Namespaces(), []string{"players.all", "players.by_id"})

	rows, err := executor.ExecuteQuery("players.by_id", []byte(`[2]`))
	assert.Equal(t, err, nil)
	var result []map[string]any
	assert.Equal(t, json.Unmarshal(rows, &result), nil)
	assert.Equal(t, len(result), 1)
	assert.Equal(t, result[0]["name"], "bo")

	rows, err = executor.ExecuteQuery("players.all", nil)
	assert.Equal(t, err, nil)
	result = nil
	assert.Equal(t, json.Unmarshal(rows, &result), nil)
	assert.Equal(t, len(result), 2)

	_, err = executor.ExecuteQuery("missing", nil)
	assert.NotEqual(t, err, nil)
}
