// Package ledgertest provides an in-memory voucher store for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/sequence"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// State is the committed content of the store.
type State struct {
	Vouchers map[string]ledger.Voucher
	Mirrors  map[string]ledger.Voucher
	Links    map[string]string
	Accounts map[string]bool
	// Sources tracks deleted flags of generic source rows keyed by table then key.
	Sources map[string]map[string]bool
	// Counters mirrors voucher_sequences; it commits and rolls back with the tx.
	Counters map[string]int64
	order    map[string]int
	seq      int
}

func (s *State) clone() *State {
	out := &State{
		Vouchers: make(map[string]ledger.Voucher, len(s.Vouchers)),
		Mirrors:  make(map[string]ledger.Voucher, len(s.Mirrors)),
		Links:    make(map[string]string, len(s.Links)),
		Accounts: make(map[string]bool, len(s.Accounts)),
		Sources:  make(map[string]map[string]bool, len(s.Sources)),
		Counters: make(map[string]int64, len(s.Counters)),
		order:    make(map[string]int, len(s.order)),
		seq:      s.seq,
	}
	for k, v := range s.Counters {
		out.Counters[k] = v
	}
	for k, v := range s.order {
		out.order[k] = v
	}
	for k, v := range s.Vouchers {
		out.Vouchers[k] = v
	}
	for k, v := range s.Mirrors {
		out.Mirrors[k] = v
	}
	for k, v := range s.Links {
		out.Links[k] = v
	}
	for k, v := range s.Accounts {
		out.Accounts[k] = v
	}
	for table, rows := range s.Sources {
		copied := make(map[string]bool, len(rows))
		for k, v := range rows {
			copied[k] = v
		}
		out.Sources[table] = copied
	}
	return out
}

// Store is a transactional in-memory voucher store. Transactions are serialized.
type Store struct {
	mu        sync.Mutex
	state     *State
	batchSize int
	// InsertHook, when set, runs before each voucher insert and may fail it.
	InsertHook  func(v ledger.Voucher) error
	lookupCalls int32
}

// NewStore creates a store knowing the given accounts.
func NewStore(accounts ...string) *Store {
	st := &State{
		Vouchers: map[string]ledger.Voucher{},
		Mirrors:  map[string]ledger.Voucher{},
		Links:    map[string]string{},
		Accounts: map[string]bool{},
		Sources:  map[string]map[string]bool{},
		Counters: map[string]int64{},
		order:    map[string]int{},
	}
	for _, a := range accounts {
		st.Accounts[a] = true
	}
	return &Store{state: st, batchSize: shared.DefaultLookupBatchSize}
}

// SetBatchSize sets the chunk size used by the lookup methods.
func (s *Store) SetBatchSize(n int) {
	s.batchSize = n
}

// AddAccounts registers more known accounts.
func (s *Store) AddAccounts(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.state.Accounts[id] = true
	}
}

// AddSource registers a generic source row.
func (s *Store) AddSource(table, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Sources[table] == nil {
		s.state.Sources[table] = map[string]bool{}
	}
	s.state.Sources[table][key] = false
}

// Snapshot returns a copy of the committed state.
func (s *Store) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// LookupCalls counts chunk queries served by the lookup methods.
func (s *Store) LookupCalls() int {
	return int(atomic.LoadInt32(&s.lookupCalls))
}

// Begin opens a transaction; it blocks until the previous one finishes.
func (s *Store) Begin() *Tx {
	s.mu.Lock()
	return &Tx{state: s.state.clone(), hook: s.InsertHook}
}

// Commit installs tx and releases the store.
func (s *Store) Commit(tx *Tx) {
	s.state = tx.state
	s.mu.Unlock()
}

// Rollback discards tx and releases the store.
func (s *Store) Rollback(*Tx) {
	s.mu.Unlock()
}

// WithTx runs fn in a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	tx := s.Begin()
	if err := fn(ctx, tx); err != nil {
		s.Rollback(tx)
		return err
	}
	s.Commit(tx)
	return nil
}

// VouchersByIDs resolves ids in chunks outside any transaction.
func (s *Store) VouchersByIDs(ctx context.Context, ids []string) ([]ledger.Voucher, error) {
	return shared.FetchChunked(ctx, ids, s.batchSize, func(_ context.Context, chunk []string) ([]ledger.Voucher, error) {
		atomic.AddInt32(&s.lookupCalls, 1)
		s.mu.Lock()
		defer s.mu.Unlock()
		var out []ledger.Voucher
		for _, id := range chunk {
			if v, ok := s.state.Vouchers[id]; ok {
				out = append(out, v)
			}
		}
		return out, nil
	})
}

// VouchersBySources resolves the vouchers of source records in chunks.
func (s *Store) VouchersBySources(ctx context.Context, types []ledger.SourceType, sourceIDs []string) ([]ledger.Voucher, error) {
	wanted := make(map[ledger.SourceType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	return shared.FetchChunked(ctx, sourceIDs, s.batchSize, func(_ context.Context, chunk []string) ([]ledger.Voucher, error) {
		atomic.AddInt32(&s.lookupCalls, 1)
		s.mu.Lock()
		defer s.mu.Unlock()
		in := make(map[string]bool, len(chunk))
		for _, id := range chunk {
			in[id] = true
		}
		var out []ledger.Voucher
		for _, v := range s.state.Vouchers {
			if wanted[v.SourceType] && in[v.SourceID] {
				out = append(out, v)
			}
		}
		s.state.sortVouchers(out)
		return out, nil
	})
}

// sortVouchers orders vouchers by insertion.
func (s *State) sortVouchers(vs []ledger.Voucher) {
	sort.SliceStable(vs, func(i, j int) bool {
		return s.order[vs[i].ID] < s.order[vs[j].ID]
	})
}

// Tx is an open in-memory transaction.
type Tx struct {
	state *State
	hook  func(v ledger.Voucher) error
}

// State exposes the uncommitted state.
func (t *Tx) State() *State {
	return t.state
}

func (t *Tx) MissingAccounts(_ context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		if !t.state.Accounts[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (t *Tx) InsertVoucher(_ context.Context, v ledger.Voucher) error {
	if t.hook != nil {
		if err := t.hook(v); err != nil {
			return err
		}
	}
	if _, ok := t.state.Vouchers[v.ID]; ok {
		return fmt.Errorf("voucher %s exists: %w", v.ID, shared.ErrConflict)
	}
	t.state.seq++
	t.state.order[v.ID] = t.state.seq
	t.state.Vouchers[v.ID] = v
	return nil
}

func (t *Tx) LinkSource(_ context.Context, sourceType ledger.SourceType, sourceID, linkKey, voucherID string) error {
	key := string(sourceType) + "|" + sourceID + "|" + linkKey
	if _, ok := t.state.Links[key]; ok {
		return ledger.ErrSourceConflict
	}
	t.state.Links[key] = voucherID
	return nil
}

func (t *Tx) GetVoucher(_ context.Context, id string) (ledger.Voucher, error) {
	v, ok := t.state.Vouchers[id]
	if !ok {
		return ledger.Voucher{}, fmt.Errorf("voucher %s: %w", id, shared.ErrNotFound)
	}
	return v, nil
}

func (t *Tx) ListVouchersBySource(_ context.Context, sourceType ledger.SourceType, sourceID string) ([]ledger.Voucher, error) {
	var out []ledger.Voucher
	for _, v := range t.state.Vouchers {
		if v.SourceType == sourceType && v.SourceID == sourceID {
			out = append(out, v)
		}
	}
	t.state.sortVouchers(out)
	return out, nil
}

func (t *Tx) IncrementSequence(_ context.Context, prefix string) (int64, error) {
	t.state.Counters[prefix]++
	return t.state.Counters[prefix], nil
}

func (t *Tx) MarkDeleted(_ context.Context, id, by string, at time.Time) error {
	v, ok := t.state.Vouchers[id]
	if !ok {
		return fmt.Errorf("voucher %s: %w", id, shared.ErrNotFound)
	}
	v.IsDeleted = true
	v.Status = ledger.StatusDeleted
	v.DeletedAt = &at
	v.DeletedBy = by
	t.state.Vouchers[id] = v
	return nil
}

func (t *Tx) MarkRestored(_ context.Context, id, by string, at time.Time) error {
	v, ok := t.state.Vouchers[id]
	if !ok {
		return fmt.Errorf("voucher %s: %w", id, shared.ErrNotFound)
	}
	v.IsDeleted = false
	v.Status = ledger.StatusRestored
	v.DeletedAt = nil
	v.DeletedBy = ""
	v.RestoredAt = &at
	v.RestoredBy = by
	t.state.Vouchers[id] = v
	return nil
}

func (t *Tx) InsertMirror(_ context.Context, v ledger.Voucher) error {
	t.state.Mirrors[v.ID] = v
	return nil
}

func (t *Tx) DeleteMirror(_ context.Context, id string) error {
	delete(t.state.Mirrors, id)
	return nil
}

func (t *Tx) DeleteVoucher(_ context.Context, id string) error {
	delete(t.state.Vouchers, id)
	for key, vid := range t.state.Links {
		if vid == id {
			delete(t.state.Links, key)
		}
	}
	return nil
}

func (t *Tx) SetSourceDeleted(_ context.Context, ref ledger.SourceRef, deleted bool, _ string, _ time.Time) (int64, error) {
	rows := t.state.Sources[ref.Table]
	if _, ok := rows[ref.Key]; !ok {
		return 0, nil
	}
	rows[ref.Key] = deleted
	return 1, nil
}

func (t *Tx) DeleteSource(_ context.Context, ref ledger.SourceRef) (int64, error) {
	rows := t.state.Sources[ref.Table]
	if _, ok := rows[ref.Key]; !ok {
		return 0, nil
	}
	delete(rows, ref.Key)
	return 1, nil
}

// Sequence is an in-memory sequence.Generator.
type Sequence struct {
	mu       sync.Mutex
	counters map[string]int64
	// Fail, when set, is returned by Next.
	Fail error
}

// NewSequence builds an empty sequence.
func NewSequence() *Sequence {
	return &Sequence{counters: map[string]int64{}}
}

// Next implements sequence.Generator.
func (s *Sequence) Next(_ context.Context, prefix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return "", s.Fail
	}
	p, err := sequence.NormalizePrefix(prefix)
	if err != nil {
		return "", err
	}
	s.counters[p]++
	return sequence.Format(p, s.counters[p], sequence.DefaultWidth), nil
}

// Issued returns how many numbers were handed out for prefix.
func (s *Sequence) Issued(prefix string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[prefix]
}
