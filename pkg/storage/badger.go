package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixQuery      = byte(0x01) // query:sampler:invscore:h:l:r -> []byte{}
	prefixQueryIndex = byte(0x02) // qindex:sampler:h:min(l,r):max(l,r) -> query key
	prefixAnswer     = byte(0x03) // answer:sampler:seq -> Answer (JSON)
	prefixState      = byte(0x04) // state:sampler -> checkpoint bytes
	prefixPerf       = byte(0x05) // perf:sampler:seq -> PerfRecord (JSON)
	prefixMeta       = byte(0x06) // meta:name -> sequence leases
)

const (
	// maxConflictRetries bounds retries of transactions that lost a race.
	maxConflictRetries = 16
	// drainBatch is the number of answers removed per drain transaction.
	drainBatch = 4096
	// seqBandwidth is how many sequence numbers are leased at once.
	seqBandwidth = 1000
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// DataDir is the database directory. Ignored when InMemory is set.
	DataDir string
	// InMemory keeps everything in RAM.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives badger's own log lines; nil silences them.
	Logger badger.Logger
}

// BadgerStore implements Store on BadgerDB.
//
// Queries are stored under keys that sort highest score first, so popping is
// a single seek. A secondary index keyed by the order-independent query key
// makes PublishQueries an upsert. Answers and perf records are keyed by a
// monotonically increasing sequence so iteration returns them in arrival
// order.
type BadgerStore struct {
	db      *badger.DB
	answers *badger.Sequence
	perf    *badger.Sequence

	mu     sync.RWMutex
	closed bool
}

// NewBadgerStore opens (or creates) a store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// Values are small; keep memory use modest.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	answers, err := db.GetSequence([]byte{prefixMeta, 'a'}, seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to lease answer sequence: %w", err)
	}
	perf, err := db.GetSequence([]byte{prefixMeta, 'p'}, seqBandwidth)
	if err != nil {
		answers.Release()
		db.Close()
		return nil, fmt.Errorf("failed to lease perf sequence: %w", err)
	}
	return &BadgerStore{db: db, answers: answers, perf: perf}, nil
}

// NewBadgerStoreInMemory creates an in-memory store for tests.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStore(BadgerOptions{InMemory: true})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

// samplerPrefix is prefix + sampler + 0x00.
func samplerPrefix(prefix byte, sampler string) []byte {
	key := make([]byte, 0, len(sampler)+2)
	key = append(key, prefix)
	key = append(key, sampler...)
	return append(key, 0x00)
}

// descScore encodes a float so that byte order is descending score order.
func descScore(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return ^bits
}

func scoreFromDesc(u uint64) float64 {
	bits := ^u
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// queryKey: prefix + sampler + 0x00 + descScore(8) + head(4) + left(4) + right(4)
func queryKey(sampler string, q triplet.Scored) []byte {
	key := samplerPrefix(prefixQuery, sampler)
	key = binary.BigEndian.AppendUint64(key, descScore(q.Score))
	key = binary.BigEndian.AppendUint32(key, uint32(q.Head))
	key = binary.BigEndian.AppendUint32(key, uint32(q.Left))
	return binary.BigEndian.AppendUint32(key, uint32(q.Right))
}

func decodeQueryKey(key []byte, prefixLen int) (triplet.Scored, error) {
	rest := key[prefixLen:]
	if len(rest) != 20 {
		return triplet.Scored{}, fmt.Errorf("malformed query key of length %d", len(key))
	}
	return triplet.Scored{
		Query: triplet.Query{
			Head:  int(binary.BigEndian.Uint32(rest[8:12])),
			Left:  int(binary.BigEndian.Uint32(rest[12:16])),
			Right: int(binary.BigEndian.Uint32(rest[16:20])),
		},
		Score: scoreFromDesc(binary.BigEndian.Uint64(rest[:8])),
	}, nil
}

// queryIndexKey: prefix + sampler + 0x00 + canonical (head, min, max)
func queryIndexKey(sampler string, q triplet.Query) []byte {
	k := q.Key()
	key := samplerPrefix(prefixQueryIndex, sampler)
	for _, v := range k {
		key = binary.BigEndian.AppendUint32(key, uint32(v))
	}
	return key
}

func seqKey(prefix byte, sampler string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(samplerPrefix(prefix, sampler), seq)
}

func stateKey(sampler string) []byte {
	return samplerPrefix(prefixState, sampler)
}

// ============================================================================
// Helpers
// ============================================================================

func (b *BadgerStore) check(ctx context.Context, sampler string) error {
	if sampler == "" {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// deletePrefix removes every key under prefix, committing in chunks when a
// transaction grows too large.
func (b *BadgerStore) deletePrefix(prefix []byte) error {
	for {
		var keys [][]byte
		err := b.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < drainBatch; it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		wb := b.db.NewWriteBatch()
		for _, k := range keys {
			if err := wb.Delete(k); err != nil {
				wb.Cancel()
				return err
			}
		}
		if err := wb.Flush(); err != nil {
			return err
		}
	}
}

// ============================================================================
// Query queue
// ============================================================================

// PublishQueries upserts scored queries.
func (b *BadgerStore) PublishQueries(ctx context.Context, sampler string, qs []triplet.Scored) (int, error) {
	if err := b.check(ctx, sampler); err != nil {
		return 0, err
	}
	written := 0
	pending := qs
	for len(pending) > 0 {
		n := 0
		err := b.update(func(txn *badger.Txn) error {
			n = 0
			for _, q := range pending {
				if err := putQuery(txn, sampler, q); err != nil {
					if errors.Is(err, badger.ErrTxnTooBig) && n > 0 {
						return nil
					}
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return written, fmt.Errorf("publish queries: %w", err)
		}
		for _, q := range pending[:n] {
			if finite(q.Score) {
				written++
			}
		}
		pending = pending[n:]
	}
	return written, nil
}

func putQuery(txn *badger.Txn, sampler string, q triplet.Scored) error {
	if !finite(q.Score) {
		return nil
	}
	idx := queryIndexKey(sampler, q.Query)
	item, err := txn.Get(idx)
	switch {
	case err == nil:
		old, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(old); err != nil {
			return err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}
	key := queryKey(sampler, q)
	if err := txn.Set(key, nil); err != nil {
		return err
	}
	return txn.Set(idx, key)
}

// TryPopQuery removes and returns the highest-scored query.
func (b *BadgerStore) TryPopQuery(ctx context.Context, sampler string) (triplet.Scored, error) {
	if err := b.check(ctx, sampler); err != nil {
		return triplet.Scored{}, err
	}
	prefix := samplerPrefix(prefixQuery, sampler)
	var out triplet.Scored
	err := b.update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			it.Close()
			return ErrEmpty
		}
		key := it.Item().KeyCopy(nil)
		it.Close()

		q, err := decodeQueryKey(key, len(prefix))
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		idx := queryIndexKey(sampler, q.Query)
		if item, err := txn.Get(idx); err == nil {
			cur, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if bytes.Equal(cur, key) {
				if err := txn.Delete(idx); err != nil {
					return err
				}
			}
		}
		out = q
		return nil
	})
	if err != nil {
		return triplet.Scored{}, err
	}
	return out, nil
}

// PopQuery waits for a query.
func (b *BadgerStore) PopQuery(ctx context.Context, sampler string) (triplet.Scored, error) {
	return popBlocking(ctx, func() (triplet.Scored, error) { return b.TryPopQuery(ctx, sampler) })
}

// ClearQueries empties the sampler's queue.
func (b *BadgerStore) ClearQueries(ctx context.Context, sampler string) error {
	if err := b.check(ctx, sampler); err != nil {
		return err
	}
	if err := b.deletePrefix(samplerPrefix(prefixQuery, sampler)); err != nil {
		return fmt.Errorf("clear queries: %w", err)
	}
	if err := b.deletePrefix(samplerPrefix(prefixQueryIndex, sampler)); err != nil {
		return fmt.Errorf("clear query index: %w", err)
	}
	return nil
}

// QueueLen counts queued queries.
func (b *BadgerStore) QueueLen(ctx context.Context, sampler string) (int, error) {
	if err := b.check(ctx, sampler); err != nil {
		return 0, err
	}
	prefix := samplerPrefix(prefixQuery, sampler)
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ============================================================================
// Answers
// ============================================================================

// PushAnswers appends answers in order.
func (b *BadgerStore) PushAnswers(ctx context.Context, sampler string, answers []triplet.Answer) error {
	if err := b.check(ctx, sampler); err != nil {
		return err
	}
	if len(answers) == 0 {
		return nil
	}
	wb := b.db.NewWriteBatch()
	for _, a := range answers {
		seq, err := b.answers.Next()
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("answer sequence: %w", err)
		}
		data, err := json.Marshal(a)
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("failed to encode answer: %w", err)
		}
		if err := wb.Set(seqKey(prefixAnswer, sampler, seq), data); err != nil {
			wb.Cancel()
			return err
		}
	}
	return wb.Flush()
}

// DrainAnswers reads and deletes pending answers. Each batch is read and
// deleted inside one transaction.
func (b *BadgerStore) DrainAnswers(ctx context.Context, sampler string) ([]triplet.Answer, error) {
	if err := b.check(ctx, sampler); err != nil {
		return nil, err
	}
	prefix := samplerPrefix(prefixAnswer, sampler)
	var out []triplet.Answer
	for {
		var batch []triplet.Answer
		err := b.update(func(txn *badger.Txn) error {
			batch = batch[:0]
			var keys [][]byte
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < drainBatch; it.Next() {
				item := it.Item()
				var a triplet.Answer
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
					it.Close()
					return fmt.Errorf("failed to decode answer: %w", err)
				}
				batch = append(batch, a)
				keys = append(keys, item.KeyCopy(nil))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return out, fmt.Errorf("drain answers: %w", err)
		}
		out = append(out, batch...)
		if len(batch) < drainBatch {
			return out, nil
		}
	}
}

// ============================================================================
// Checkpoints
// ============================================================================

// SaveState stores a checkpoint, replacing any previous one.
func (b *BadgerStore) SaveState(ctx context.Context, sampler string, data []byte) error {
	if err := b.check(ctx, sampler); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(sampler), data)
	})
}

// LoadState returns the last checkpoint.
func (b *BadgerStore) LoadState(ctx context.Context, sampler string) ([]byte, error) {
	if err := b.check(ctx, sampler); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(sampler))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

// DeleteState removes the checkpoint.
func (b *BadgerStore) DeleteState(ctx context.Context, sampler string) error {
	if err := b.check(ctx, sampler); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(sampler))
	})
}

// ============================================================================
// Perf log
// ============================================================================

// AppendPerf appends an iteration record.
func (b *BadgerStore) AppendPerf(ctx context.Context, sampler string, rec PerfRecord) error {
	if err := b.check(ctx, sampler); err != nil {
		return err
	}
	seq, err := b.perf.Next()
	if err != nil {
		return fmt.Errorf("perf sequence: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode perf record: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(prefixPerf, sampler, seq), data)
	})
}

// PerfLog returns every record in order.
func (b *BadgerStore) PerfLog(ctx context.Context, sampler string) ([]PerfRecord, error) {
	if err := b.check(ctx, sampler); err != nil {
		return nil, err
	}
	prefix := samplerPrefix(prefixPerf, sampler)
	var out []PerfRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec PerfRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return fmt.Errorf("failed to decode perf record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Clear removes the queue, pending answers, checkpoint and perf log.
func (b *BadgerStore) Clear(ctx context.Context, sampler string) error {
	if err := b.ClearQueries(ctx, sampler); err != nil {
		return err
	}
	for _, p := range []byte{prefixAnswer, prefixPerf} {
		if err := b.deletePrefix(samplerPrefix(p, sampler)); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	return b.DeleteState(ctx, sampler)
}

// Close releases the sequences and closes the database.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	errs = append(errs, b.answers.Release(), b.perf.Release())
	errs = append(errs, b.db.Close())
	return errors.Join(errs...)
}

// Verify interface compliance
var _ Store = (*BadgerStore)(nil)
