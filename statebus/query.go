package statebus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Executes one query against a namespace. Rows are opaque bytes whose
// encoding is a per-namespace contract between executor and client
type QueryExecutor interface {
	ExecuteQuery(namespace string, params []byte) (rows []byte, err error)
}

type QueryExecutorFunc func(namespace string, params []byte) ([]byte, error)

func (self QueryExecutorFunc) ExecuteQuery(namespace string, params []byte) ([]byte, error) {
	return self(namespace, params)
}

type queryKey struct {
	connectionId Id
	queryId      uint64
}

type activeQuery struct {
	connectionId Id
	query        *Query
	executor     QueryExecutor
}

type ConnectionQueryResponse struct {
	ConnectionId Id
	Response     *QueryResponse
}

// Routes Query/QueryCancel to registered per-namespace executors.
// QueryModeOnce answers with a single Done response. QueryModeSubscribe
// answers Ok and stays live: the serving session re-runs it after every
// tick whose scan applied changes, until cancel or disconnect
type QueryDispatcher struct {
	stateLock sync.Mutex

	executors map[string]QueryExecutor
	active    map[queryKey]*activeQuery
}

func NewQueryDispatcher() *QueryDispatcher {
	return &QueryDispatcher{
		executors: map[string]QueryExecutor{},
		active:    map[queryKey]*activeQuery{},
	}
}

func (self *QueryDispatcher) RegisterExecutor(namespace string, executor QueryExecutor) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.executors[namespace] = executor
}

func (self *QueryDispatcher) Submit(connectionId Id, query *Query) *QueryResponse {
	self.stateLock.Lock()
	executor, ok := self.executors[query.Namespace]
	self.stateLock.Unlock()

	if !ok {
		return &QueryResponse{
			QueryId: query.QueryId,
			Status:  QueryError,
			Reason:  fmt.Sprintf("unknown namespace: %s", query.Namespace),
		}
	}

	rows, err := executor.ExecuteQuery(query.Namespace, query.Params)
	if err != nil {
		glog.V(2).Infof("[q]%s/%d error = %s\n", connectionId, query.QueryId, err)
		return &QueryResponse{
			QueryId: query.QueryId,
			Status:  QueryError,
			Reason:  err.Error(),
		}
	}

	switch query.Mode {
	case QueryModeSubscribe:
		self.stateLock.Lock()
		self.active[queryKey{connectionId: connectionId, queryId: query.QueryId}] = &activeQuery{
			connectionId: connectionId,
			query:        query,
			executor:     executor,
		}
		self.stateLock.Unlock()
		return &QueryResponse{
			QueryId: query.QueryId,
			Status:  QueryOk,
			Rows:    rows,
		}
	default:
		return &QueryResponse{
			QueryId: query.QueryId,
			Status:  QueryDone,
			Rows:    rows,
		}
	}
}

// no-op if the query is not live
func (self *QueryDispatcher) Cancel(connectionId Id, queryId uint64) *QueryResponse {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := queryKey{connectionId: connectionId, queryId: queryId}
	if _, ok := self.active[key]; !ok {
		return nil
	}
	delete(self.active, key)
	return &QueryResponse{
		QueryId: queryId,
		Status:  QueryDone,
	}
}

func (self *QueryDispatcher) OnDisconnect(connectionId Id) (removed int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key := range self.active {
		if key.connectionId == connectionId {
			delete(self.active, key)
			removed += 1
		}
	}
	return
}

func (self *QueryDispatcher) ActiveCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.active)
}

// re-runs every live query, returning one response per query. Failures
// surface as Error responses and end the query
func (self *QueryDispatcher) RunActive() []*ConnectionQueryResponse {
	self.stateLock.Lock()
	queries := maps.Values(self.active)
	self.stateLock.Unlock()

	slices.SortFunc(queries, func(a *activeQuery, b *activeQuery) int {
		if a.query.QueryId < b.query.QueryId {
			return -1
		} else if b.query.QueryId < a.query.QueryId {
			return 1
		}
		return 0
	})

	responses := []*ConnectionQueryResponse{}
	for _, active := range queries {
		rows, err := active.executor.ExecuteQuery(active.query.Namespace, active.query.Params)
		if err != nil {
			self.stateLock.Lock()
			delete(self.active, queryKey{connectionId: active.connectionId, queryId: active.query.QueryId})
			self.stateLock.Unlock()
			responses = append(responses, &ConnectionQueryResponse{
				ConnectionId: active.connectionId,
				Response: &QueryResponse{
					QueryId: active.query.QueryId,
					Status:  QueryError,
					Reason:  err.Error(),
				},
			})
			continue
		}
		responses = append(responses, &ConnectionQueryResponse{
			ConnectionId: active.connectionId,
			Response: &QueryResponse{
				QueryId: active.query.QueryId,
				Status:  QueryOk,
				Rows:    rows,
			},
		})
	}
	return responses
}

// built-in "records" namespace: enumerates live records and their types

const RecordsQueryNamespace = "records"

type recordsQueryParams struct {
	// only return records carrying at least one of these types. empty
	// means all records
	TypeNames []string `json:"type_names,omitempty"`
}

type recordsQueryRow struct {
	RecordId  uint64   `json:"record_id"`
	TypeNames []string `json:"type_names"`
}

func NewRecordsQueryExecutor(store RecordStore) QueryExecutor {
	return QueryExecutorFunc(func(namespace string, params []byte) ([]byte, error) {
		var queryParams recordsQueryParams
		if 0 < len(params) {
			if err := json.Unmarshal(params, &queryParams); err != nil {
				return nil, fmt.Errorf("invalid params: %s", err)
			}
		}

		recordIds := map[uint64]bool{}
		if len(queryParams.TypeNames) == 0 {
			for _, typeName := range store.TypeNames() {
				for recordId := range store.SnapshotType(typeName) {
					recordIds[recordId] = true
				}
			}
		} else {
			for _, typeName := range queryParams.TypeNames {
				for recordId := range store.SnapshotType(typeName) {
					recordIds[recordId] = true
				}
			}
		}

		ordered := maps.Keys(recordIds)
		slices.Sort(ordered)
		queryRows := make([]recordsQueryRow, 0, len(ordered))
		for _, recordId := range ordered {
			queryRows = append(queryRows, recordsQueryRow{
				RecordId:  recordId,
				TypeNames: store.RecordTypes(recordId),
			})
		}
		return json.Marshal(queryRows)
	})
}

// Sqlite-backed executor. Namespaces map to statements registered at
// startup; params are a json array of positional arguments; rows are a
// json array of column name -> value objects
type SqliteQueryExecutor struct {
	stateLock sync.Mutex

	db         *sql.DB
	statements map[string]string
}

func NewSqliteQueryExecutor(db *sql.DB) *SqliteQueryExecutor {
	return &SqliteQueryExecutor{
		db:         db,
		statements: map[string]string{},
	}
}

func (self *SqliteQueryExecutor) RegisterStatement(namespace string, statement string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.statements[namespace] = statement
}

func (self *SqliteQueryExecutor) Namespaces() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	namespaces := maps.Keys(self.statements)
	slices.Sort(namespaces)
	return namespaces
}

func (self *SqliteQueryExecutor) ExecuteQuery(namespace string, params []byte) ([]byte, error) {
	self.stateLock.Lock()
	statement, ok := self.statements[namespace]
	self.stateLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("no statement for namespace: %s", namespace)
	}

	var args []any
	if 0 < len(params) {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("invalid params: %s", err)
		}
	}

	rows, err := self.db.Query(statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	queryRows := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		row := map[string]any{}
		for i, column := range columns {
			value := values[i]
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			row[column] = value
		}
		queryRows = append(queryRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(queryRows)
}
