package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"perpcore/internal/domain"
)

// Compile-time interface check.
var _ JournalStore = (*ParquetStore)(nil)

// ParquetStore implements JournalStore using one Parquet file per day.
type ParquetStore struct {
	DataDir string

	mu sync.Mutex
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// OrderRecord is the Parquet schema for a journaled order.
type OrderRecord struct {
	ID                 string  `parquet:"id"`
	Symbol             string  `parquet:"symbol"`
	Direction          string  `parquet:"direction"`
	Quantity           float64 `parquet:"quantity"`
	Leverage           float64 `parquet:"leverage"`
	OrderKind          string  `parquet:"order_kind"`
	LimitPrice         float64 `parquet:"limit_price"`
	Status             string  `parquet:"status"`
	Reason             string  `parquet:"reason"`
	FillPrice          float64 `parquet:"fill_price"`
	Fee                float64 `parquet:"fee"`
	ClosePrice         float64 `parquet:"close_price"`
	Payout             float64 `parquet:"payout"`
	SettlementPending  bool    `parquet:"settlement_pending"`
	SettlementKind     string  `parquet:"settlement_kind"`
	SettlementAttempts int64   `parquet:"settlement_attempts"`
	ChannelID          string  `parquet:"channel_id"`
	Invoice            string  `parquet:"invoice"`
	Version            int64   `parquet:"version"`
	Expiry             int64   `parquet:"expiry"`     // Unix ns, 0 when unset
	CreatedAt          int64   `parquet:"created_at"` // Unix ns
	UpdatedAt          int64   `parquet:"updated_at"` // Unix ns
}

// ---------------------------------------------------------------------------
// JournalStore implementation
// ---------------------------------------------------------------------------

// AppendOrders writes orders to the journal file of their UpdatedAt day:
//
//	<DataDir>/journal/<YYYY-MM-DD>.parquet
func (s *ParquetStore) AppendOrders(_ context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	groups := make(map[string][]OrderRecord)
	for i := range orders {
		day := orders[i].UpdatedAt.UTC().Format("2006-01-02")
		groups[day] = append(groups[day], toRecord(&orders[i]))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for day, records := range groups {
		t, _ := time.Parse("2006-01-02", day)
		path := s.journalPath(t)

		existing, _ := readParquetFile[OrderRecord](path)
		merged := mergeOrderRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing journal for %s: %w", day, err)
		}
	}
	return nil
}

// ReadOrders returns the journal of the given day ordered by update time.
// A day with no journal file yields no orders.
func (s *ParquetStore) ReadOrders(_ context.Context, day time.Time) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.journalPath(day)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	records, err := readParquetFile[OrderRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading journal %s: %w", path, err)
	}

	out := make([]domain.Order, 0, len(records))
	for i := range records {
		out = append(out, fromRecord(&records[i]))
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// journalPath returns the filesystem path for a day's journal.
// Layout: <dataDir>/journal/<YYYY-MM-DD>.parquet
func (s *ParquetStore) journalPath(t time.Time) string {
	return filepath.Join(s.DataDir, "journal", t.UTC().Format("2006-01-02")+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeOrderRecords deduplicates records by (id, version), preferring
// incoming records. Results are sorted by update time then id.
func mergeOrderRecords(existing, incoming []OrderRecord) []OrderRecord {
	type key struct {
		id      string
		version int64
	}
	seen := make(map[key]OrderRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.ID, r.Version}] = r
	}
	for _, r := range incoming {
		seen[key{r.ID, r.Version}] = r
	}

	merged := make([]OrderRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].UpdatedAt != merged[j].UpdatedAt {
			return merged[i].UpdatedAt < merged[j].UpdatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

func toRecord(o *domain.Order) OrderRecord {
	var expiry int64
	if !o.Expiry.IsZero() {
		expiry = o.Expiry.UnixNano()
	}
	return OrderRecord{
		ID:                 o.ID,
		Symbol:             string(o.Symbol),
		Direction:          string(o.Direction),
		Quantity:           o.Quantity,
		Leverage:           o.Leverage,
		OrderKind:          string(o.Type.Kind),
		LimitPrice:         o.Type.Price,
		Status:             string(o.Status),
		Reason:             string(o.Reason),
		FillPrice:          o.FillPrice,
		Fee:                o.Fee,
		ClosePrice:         o.ClosePrice,
		Payout:             o.Payout,
		SettlementPending:  o.SettlementPending,
		SettlementKind:     string(o.SettlementKind),
		SettlementAttempts: int64(o.SettlementAttempts),
		ChannelID:          o.ChannelID,
		Invoice:            o.Invoice,
		Version:            o.Version,
		Expiry:             expiry,
		CreatedAt:          o.CreatedAt.UnixNano(),
		UpdatedAt:          o.UpdatedAt.UnixNano(),
	}
}

func fromRecord(r *OrderRecord) domain.Order {
	o := domain.Order{
		ID:                 r.ID,
		Symbol:             domain.ContractSymbol(r.Symbol),
		Direction:          domain.Direction(r.Direction),
		Quantity:           r.Quantity,
		Leverage:           r.Leverage,
		Type:               domain.OrderType{Kind: domain.OrderKind(r.OrderKind), Price: r.LimitPrice},
		Status:             domain.OrderStatus(r.Status),
		Reason:             domain.Reason(r.Reason),
		FillPrice:          r.FillPrice,
		Fee:                r.Fee,
		ClosePrice:         r.ClosePrice,
		Payout:             r.Payout,
		SettlementPending:  r.SettlementPending,
		SettlementKind:     domain.SettlementKind(r.SettlementKind),
		SettlementAttempts: int(r.SettlementAttempts),
		ChannelID:          r.ChannelID,
		Invoice:            r.Invoice,
		Version:            r.Version,
		CreatedAt:          time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:          time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.Expiry != 0 {
		o.Expiry = time.Unix(0, r.Expiry).UTC()
	}
	return o
}
