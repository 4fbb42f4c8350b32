// exchange.go: relay_exchanges 审计记录的追加与查询。
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
)

// ExchangeTable 审计表名。
const ExchangeTable = "relay_exchanges"

// Exchange 终结结果枚举。
const (
	OutcomeJSON      = "json"
	OutcomeStream    = "stream"
	OutcomeText      = "text"
	OutcomeUpstream  = "upstream_error"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
	OutcomeAborted   = "client_aborted"
	OutcomeInvalid   = "invalid_request"
	OutcomeFailed    = "error"
)

// Exchange 一次问答转发的审计记录。
type Exchange struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Ts         time.Time `db:"ts" json:"ts"`
	RequestID  string    `db:"request_id" json:"request_id"`
	Query      string    `db:"query" json:"query"`
	Encoding   string    `db:"encoding" json:"encoding"`
	Streaming  bool      `db:"streaming" json:"streaming"`
	Files      int       `db:"files" json:"files"`
	TargetURL  string    `db:"target_url" json:"target_url"`
	Status     int       `db:"status" json:"status"`
	Outcome    string    `db:"outcome" json:"outcome"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	Error      string    `db:"error" json:"error"`
}

// ExchangeFilter 列表查询条件。
type ExchangeFilter struct {
	Outcome   string
	Streaming *bool
	Keyword   string
	Since     time.Time
	Limit     int
}

// ExchangeStore 审计记录存储。
type ExchangeStore struct{ BaseStore }

// NewExchangeStore 创建审计记录存储。
func NewExchangeStore(pool *pgxpool.Pool) *ExchangeStore { return &ExchangeStore{NewBaseStore(pool)} }

const exchangeCols = "id, ts, request_id, query, encoding, streaming, files, target_url, status, outcome, duration_ms, error"

// Append 追加一条记录。ID / Ts 为零值时自动填充。
func (s *ExchangeStore) Append(ctx context.Context, e *Exchange) error {
	if e == nil {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "ExchangeStore.Append", "exchange is nil")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Ts.IsZero() {
		e.Ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_exchanges (`+exchangeCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Ts, e.RequestID, e.Query, e.Encoding, e.Streaming, e.Files,
		e.TargetURL, e.Status, e.Outcome, e.DurationMS, e.Error)
	if err != nil {
		return apperrors.Wrap(err, "ExchangeStore.Append", "insert exchange")
	}
	return nil
}

// List 按时间倒序查询 (支持 outcome + streaming + since + keyword 过滤)。
func (s *ExchangeStore) List(ctx context.Context, f ExchangeFilter) ([]Exchange, error) {
	sql, params := buildExchangeQuery(f)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.Wrap(err, "ExchangeStore.List", "query exchanges")
	}
	items, err := collectRows[Exchange](rows)
	if err != nil {
		return nil, apperrors.Wrap(err, "ExchangeStore.List", "scan exchanges")
	}
	return items, nil
}

// Filters 返回 outcome / encoding 的去重值。
func (s *ExchangeStore) Filters(ctx context.Context) (map[string][]string, error) {
	return DistinctMap(ctx, s.pool, ExchangeTable, "outcome", "encoding")
}

func buildExchangeQuery(f ExchangeFilter) (string, []any) {
	return NewQueryBuilder().
		Eq("outcome", f.Outcome).
		EqBool("streaming", f.Streaming).
		Since("ts", f.Since).
		KeywordLike(f.Keyword, "query", "error", "target_url").
		Build("SELECT "+exchangeCols+" FROM relay_exchanges", "ts DESC, id DESC", f.Limit)
}
