// Package storage provides persistent history for the trading bot. It uses
// BoltDB as the underlying engine to store executed trades and analysis
// logs so they survive restarts and back the history queries.
//
// Records are keyed "symbol_timestamp" for efficient time-range scans, the
// same scheme used for all buckets.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"tradepilot/internal/types"
)

const (
	tradesBucket   = "trades"   // executed trade records
	analysesBucket = "analyses" // per-cycle analysis results
)

// Store provides persistent storage for trade and analysis history.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database under dataPath and ensures the
// buckets exist.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "tradepilot.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(tradesBucket)); err != nil {
			return fmt.Errorf("create trades bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(analysesBucket)); err != nil {
			return fmt.Errorf("create analyses bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StoreTrade persists one executed trade record.
func (s *Store) StoreTrade(trade types.Trade) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))

		data, err := json.Marshal(trade)
		if err != nil {
			return fmt.Errorf("marshal trade: %w", err)
		}

		key := fmt.Sprintf("%s_%d", trade.Symbol, trade.Timestamp.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// StoreAnalysis persists one analysis cycle result.
func (s *Store) StoreAnalysis(res types.AnalysisResult) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(analysesBucket))

		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}

		key := fmt.Sprintf("%s_%d", res.Symbol, res.Timestamp.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// RecentTrades returns up to limit most recent trade records across all
// symbols, oldest first. Keys group by symbol before time, so recency is
// decided on the decoded timestamps, not on key order.
func (s *Store) RecentTrades(limit int) ([]types.Trade, error) {
	var trades []types.Trade
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tradesBucket)).ForEach(func(_, v []byte) error {
			var t types.Trade
			if err := json.Unmarshal(v, &t); err != nil {
				return nil // skip malformed records
			}
			trades = append(trades, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return trades, nil
}

// RecentAnalyses returns up to limit most recent analysis records across all
// symbols, oldest first.
func (s *Store) RecentAnalyses(limit int) ([]types.AnalysisResult, error) {
	var out []types.AnalysisResult
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(analysesBucket)).ForEach(func(_, v []byte) error {
			var r types.AnalysisResult
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// TradesInRange returns trade records for a symbol within [start, end],
// ordered by timestamp.
func (s *Store) TradesInRange(symbol string, start, end time.Time) ([]types.Trade, error) {
	var trades []types.Trade
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))
		c := b.Cursor()

		prefix := []byte(symbol + "_")
		startKey := []byte(fmt.Sprintf("%s_%d", symbol, start.UnixNano()))
		endKey := []byte(fmt.Sprintf("%s_%d", symbol, end.UnixNano()))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			var t types.Trade
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			trades = append(trades, t)
		}
		return nil
	})
	return trades, err
}
