package storage

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/betbot/botdeck/internal/domain"
)

// Badger is an embedded KV Store. Records are JSON values under
// prefixed keys; histories use zero-padded sequence numbers so key order
// equals insertion order.
//
// Bot tokens are stored as plain record fields, so pass an encryption key
// when the directory is not otherwise protected.
type Badger struct {
	db     *badger.DB
	logSeq *badger.Sequence
	metSeq *badger.Sequence
	mu     sync.Mutex // 用户名唯一性检查 + 写入需要串行
	now    func() time.Time
}

type BadgerOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes; nil 表示不加密
	ReadOnly      bool
}

const (
	prefixUser     = "user/"
	prefixUsername = "username/"
	prefixBot      = "bot/"
	prefixLog      = "log/"
	prefixMetric   = "metric/"
)

func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("storage: badger path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// 加密模式下 badger 要求开启 index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	logSeq, err := db.GetSequence([]byte("seq/log"), 64)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "log sequence")
	}
	metSeq, err := db.GetSequence([]byte("seq/metric"), 16)
	if err != nil {
		_ = logSeq.Release()
		_ = db.Close()
		return nil, errors.Wrap(err, "metric sequence")
	}
	return &Badger{db: db, logSeq: logSeq, metSeq: metSeq, now: time.Now}, nil
}

func (s *Badger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	_ = s.logSeq.Release()
	_ = s.metSeq.Release()
	return s.db.Close()
}

// ParseEncryptionKey expects 32 bytes, hex or base64. Empty input means no
// encryption and returns nil.
func ParseEncryptionKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	// 先按 hex 解析，避免把 hex 串误判为 base64
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}

func seqKey(prefix string, n int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, n))
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

// ---- users ----

func (s *Badger) GetUser(_ context.Context, id string) (*domain.User, error) {
	var u domain.User
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, []byte(prefixUser+id), &u)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	if !found {
		return nil, nil
	}
	return &u, nil
}

func (s *Badger) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixUsername + strings.ToLower(username)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "get username index")
	}
	if id == "" {
		return nil, nil
	}
	return s.GetUser(ctx, id)
}

func (s *Badger) CreateUser(_ context.Context, u domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	idx := []byte(prefixUsername + strings.ToLower(u.Username))
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idx); err == nil {
			return ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(idx, []byte(u.ID)); err != nil {
			return err
		}
		return setJSON(txn, []byte(prefixUser+u.ID), u)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, errors.Wrap(err, "create user")
	}
	return &u, nil
}

// ---- bots ----

func (s *Badger) GetAllBots(_ context.Context) ([]domain.Bot, error) {
	return s.scanBots(func(domain.Bot) bool { return true })
}

func (s *Badger) GetBotsByUserID(_ context.Context, userID string) ([]domain.Bot, error) {
	return s.scanBots(func(b domain.Bot) bool { return b.UserID == userID })
}

func (s *Badger) scanBots(keep func(domain.Bot) bool) ([]domain.Bot, error) {
	out := []domain.Bot{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixBot)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var b domain.Bot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &b)
			}); err != nil {
				return err
			}
			if keep(b) {
				out = append(out, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan bots")
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Badger) GetBot(_ context.Context, id string) (*domain.Bot, error) {
	var b domain.Bot
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, []byte(prefixBot+id), &b)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "get bot")
	}
	if !found {
		return nil, nil
	}
	return &b, nil
}

func (s *Badger) CreateBot(_ context.Context, b domain.Bot) (*domain.Bot, error) {
	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	key := []byte(prefixBot + b.ID)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, b)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, errors.Wrap(err, "create bot")
	}
	return &b, nil
}

func (s *Badger) UpdateBot(_ context.Context, id string, upd domain.BotUpdate) (*domain.Bot, error) {
	var (
		b     domain.Bot
		found bool
	)
	key := []byte(prefixBot + id)
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, key, &b)
		if err != nil || !found {
			return err
		}
		upd.Apply(&b, s.now())
		return setJSON(txn, key, b)
	})
	if err != nil {
		return nil, errors.Wrap(err, "update bot")
	}
	if !found {
		return nil, nil
	}
	return &b, nil
}

func (s *Badger) DeleteBot(_ context.Context, id string) (bool, error) {
	var found bool
	key := []byte(prefixBot + id)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, errors.Wrap(err, "delete bot")
	}
	return found, nil
}

// ---- logs ----

func (s *Badger) GetLogs(_ context.Context, limit int) ([]domain.LogEntry, error) {
	return s.newestLogs(clampLimit(limit, 100, domain.MaxLogEntries), func(domain.LogEntry) bool { return true })
}

func (s *Badger) GetLogsByBotID(_ context.Context, botID string, limit int) ([]domain.LogEntry, error) {
	return s.newestLogs(clampLimit(limit, 100, domain.MaxLogEntries), func(e domain.LogEntry) bool {
		return e.BotID != nil && *e.BotID == botID
	})
}

func (s *Badger) newestLogs(limit int, keep func(domain.LogEntry) bool) ([]domain.LogEntry, error) {
	out := make([]domain.LogEntry, 0, limit)
	err := reverseScan(s.db, prefixLog, func(val []byte) (bool, error) {
		var e domain.LogEntry
		if err := json.Unmarshal(val, &e); err != nil {
			return false, err
		}
		if keep(e) {
			out = append(out, e)
		}
		return len(out) < limit, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan logs")
	}
	return out, nil
}

func (s *Badger) CreateLog(_ context.Context, e domain.LogEntry) (*domain.LogEntry, error) {
	n, err := s.logSeq.Next()
	if err != nil {
		return nil, errors.Wrap(err, "next log id")
	}
	e.ID = int64(n) + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, seqKey(prefixLog, e.ID), e)
	}); err != nil {
		return nil, errors.Wrap(err, "insert log")
	}
	if err := s.trim(prefixLog, domain.MaxLogEntries); err != nil {
		return nil, errors.Wrap(err, "trim logs")
	}
	return &e, nil
}

// ---- metrics ----

func (s *Badger) GetLatestMetrics(ctx context.Context) (*domain.MetricSample, error) {
	hist, err := s.GetMetricsHistory(ctx, 1)
	if err != nil || len(hist) == 0 {
		return nil, err
	}
	return &hist[0], nil
}

func (s *Badger) GetMetricsHistory(_ context.Context, limit int) ([]domain.MetricSample, error) {
	limit = clampLimit(limit, domain.MaxMetricSamples, domain.MaxMetricSamples)
	out := make([]domain.MetricSample, 0, limit)
	err := reverseScan(s.db, prefixMetric, func(val []byte) (bool, error) {
		var m domain.MetricSample
		if err := json.Unmarshal(val, &m); err != nil {
			return false, err
		}
		out = append(out, m)
		return len(out) < limit, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan metrics")
	}
	return out, nil
}

func (s *Badger) CreateMetrics(_ context.Context, m domain.MetricSample) (*domain.MetricSample, error) {
	n, err := s.metSeq.Next()
	if err != nil {
		return nil, errors.Wrap(err, "next metric id")
	}
	m.ID = int64(n) + 1
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, seqKey(prefixMetric, m.ID), m)
	}); err != nil {
		return nil, errors.Wrap(err, "insert metrics")
	}
	if err := s.trim(prefixMetric, domain.MaxMetricSamples); err != nil {
		return nil, errors.Wrap(err, "trim metrics")
	}
	return &m, nil
}

// reverseScan walks prefix newest first until fn returns false.
func reverseScan(db *badger.DB, prefix string, fn func(val []byte) (bool, error)) error {
	return db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		// 反向迭代需要从前缀的最大值开始 seek
		seek := append([]byte(prefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			var more bool
			err := it.Item().Value(func(val []byte) error {
				var err error
				more, err = fn(val)
				return err
			})
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}

// trim 删除超出上限的最旧记录（序列号可能有空洞，所以按实际 key 计数）
func (s *Badger) trim(prefix string, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	over := len(keys) - max
	if over <= 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys[:over] {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}
