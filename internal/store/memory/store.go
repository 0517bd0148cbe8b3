// Package memory implements domain.Store entirely in process. It backs the
// dev run mode and the package tests. InTx runs against a deep snapshot of
// the state and swaps it in on commit, so a failed transaction leaves no
// observable effects.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

type state struct {
	definitions map[string]domain.CardDefinition
	templates   map[string]domain.PackTemplate
	accounts    map[string]domain.Account
	instances   map[string]domain.CardInstance
	trades      map[string]domain.Trade
	listings     map[string]domain.Listing
	offers       map[string]domain.Offer
	achievements map[string]bool // accountID + "\x00" + name
	audit        []domain.AuditEntry
	auditSeq     int64
}

func newState() *state {
	return &state{
		definitions: make(map[string]domain.CardDefinition),
		templates:   make(map[string]domain.PackTemplate),
		accounts:    make(map[string]domain.Account),
		instances:   make(map[string]domain.CardInstance),
		trades:      make(map[string]domain.Trade),
		listings:     make(map[string]domain.Listing),
		offers:       make(map[string]domain.Offer),
		achievements: make(map[string]bool),
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.definitions {
		c.definitions[k] = cloneDefinition(v)
	}
	for k, v := range st.templates {
		v.Definitions = append([]string(nil), v.Definitions...)
		c.templates[k] = v
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.instances {
		c.instances[k] = v
	}
	for k, v := range st.trades {
		c.trades[k] = cloneTrade(v)
	}
	for k, v := range st.listings {
		c.listings[k] = v
	}
	for k, v := range st.offers {
		v.InstanceIDs = append([]string(nil), v.InstanceIDs...)
		c.offers[k] = v
	}
	for k, v := range st.achievements {
		c.achievements[k] = v
	}
	c.audit = append([]domain.AuditEntry(nil), st.audit...)
	c.auditSeq = st.auditSeq
	return c
}

func cloneDefinition(d domain.CardDefinition) domain.CardDefinition {
	pools := make([]domain.Pool, len(d.Pools))
	for i, p := range d.Pools {
		p.Serials = append([]int(nil), p.Serials...)
		pools[i] = p
	}
	d.Pools = pools
	return d
}

func cloneTrade(t domain.Trade) domain.Trade {
	t.OfferedInstanceIDs = append([]string(nil), t.OfferedInstanceIDs...)
	t.RequestedInstanceIDs = append([]string(nil), t.RequestedInstanceIDs...)
	return t
}

// Store is an in-memory domain.Store.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *state
	now  func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

func (s *Store) Cards() domain.CardStore       { return cards{s} }
func (s *Store) Accounts() domain.AccountStore { return accounts{s} }
func (s *Store) Trades() domain.TradeStore     { return trades{s} }
func (s *Store) Listings() domain.ListingStore { return listings{s} }
func (s *Store) Audit() domain.AuditStore      { return audit{s} }

// InTx runs fn against a snapshot and commits it by swapping the state in.
// Transactions serialize against each other; a failed fn discards the
// snapshot untouched.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := s.st.clone()
	s.mu.Unlock()

	tmp := &Store{st: snap, now: s.now}
	if err := fn(tmp); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = tmp.st
	s.mu.Unlock()
	return nil
}

// PutDefinition installs or replaces a catalog definition. Used by seeding
// and tests; production catalogs are written by admin tooling.
func (s *Store) PutDefinition(def domain.CardDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.definitions[def.Name] = cloneDefinition(def)
}

// PutTemplate installs or replaces a pack template.
func (s *Store) PutTemplate(t domain.PackTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Definitions = append([]string(nil), t.Definitions...)
	s.st.templates[t.Name] = t
}

// ---------------------------------------------------------------------------
// CardStore
// ---------------------------------------------------------------------------

type cards struct{ s *Store }

func (c cards) GetDefinition(_ context.Context, name string) (domain.CardDefinition, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	def, ok := c.s.st.definitions[name]
	if !ok {
		return domain.CardDefinition{}, domain.ErrNotFound
	}
	return cloneDefinition(def), nil
}

func (c cards) ListDefinitions(_ context.Context, opts domain.ListOpts) ([]domain.CardDefinition, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	names := make([]string, 0, len(c.s.st.definitions))
	for name := range c.s.st.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []domain.CardDefinition
	for i, name := range names {
		if opts.Offset > 0 && i < opts.Offset {
			continue
		}
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
		out = append(out, cloneDefinition(c.s.st.definitions[name]))
	}
	return out, nil
}

func (c cards) ListMintable(_ context.Context, rarity domain.Rarity, scope []string, now time.Time) ([]domain.CardDefinition, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	inScope := scopeSet(scope)
	var names []string
	for name, def := range c.s.st.definitions {
		if inScope != nil && !inScope[name] {
			continue
		}
		if !def.AvailableAt(now) {
			continue
		}
		if pool, ok := def.PoolFor(rarity); ok && pool.Remaining > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]domain.CardDefinition, 0, len(names))
	for _, name := range names {
		out = append(out, cloneDefinition(c.s.st.definitions[name]))
	}
	return out, nil
}

func (c cards) AnyMintable(_ context.Context, scope []string, now time.Time) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	inScope := scopeSet(scope)
	for name, def := range c.s.st.definitions {
		if inScope != nil && !inScope[name] {
			continue
		}
		if !def.AvailableAt(now) {
			continue
		}
		for _, pool := range def.Pools {
			if pool.Remaining > 0 {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c cards) ClaimSerial(_ context.Context, definition string, rarity domain.Rarity, serial int) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	def, ok := c.s.st.definitions[definition]
	if !ok {
		return domain.ErrNotFound
	}
	for i := range def.Pools {
		if def.Pools[i].Rarity != rarity {
			continue
		}
		for j, s := range def.Pools[i].Serials {
			if s == serial {
				def.Pools[i].Serials = append(def.Pools[i].Serials[:j], def.Pools[i].Serials[j+1:]...)
				def.Pools[i].Remaining--
				c.s.st.definitions[definition] = def
				return nil
			}
		}
		return domain.ErrSerialClaimed
	}
	return domain.ErrNotFound
}

func (c cards) ReturnSerial(_ context.Context, definition string, rarity domain.Rarity, serial int) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	def, ok := c.s.st.definitions[definition]
	if !ok {
		return domain.ErrNotFound
	}
	for i := range def.Pools {
		if def.Pools[i].Rarity != rarity {
			continue
		}
		for _, s := range def.Pools[i].Serials {
			if s == serial {
				return nil // already in the pool
			}
		}
		def.Pools[i].Serials = append(def.Pools[i].Serials, serial)
		def.Pools[i].Remaining++
		c.s.st.definitions[definition] = def
		return nil
	}
	return domain.ErrNotFound
}

func (c cards) GetPackTemplate(_ context.Context, name string) (domain.PackTemplate, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	t, ok := c.s.st.templates[name]
	if !ok {
		return domain.PackTemplate{}, domain.ErrNotFound
	}
	t.Definitions = append([]string(nil), t.Definitions...)
	return t, nil
}

func scopeSet(scope []string) map[string]bool {
	if len(scope) == 0 {
		return nil
	}
	set := make(map[string]bool, len(scope))
	for _, s := range scope {
		set[s] = true
	}
	return set
}

// ---------------------------------------------------------------------------
// AccountStore
// ---------------------------------------------------------------------------

type accounts struct{ s *Store }

func (a accounts) Get(_ context.Context, id string) (domain.Account, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acct, ok := a.s.st.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return acct, nil
}

func (a accounts) Create(_ context.Context, acct domain.Account) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.st.accounts[acct.ID] = acct
	return nil
}

func (a accounts) AdjustPacks(_ context.Context, id string, delta int64) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acct, ok := a.s.st.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if acct.Packs+delta < 0 {
		return domain.ErrInsufficientPacks
	}
	acct.Packs += delta
	a.s.st.accounts[id] = acct
	return nil
}

func (a accounts) AddXP(_ context.Context, id string, amount int64) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acct, ok := a.s.st.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	acct.XP += amount
	a.s.st.accounts[id] = acct
	return nil
}

func (a accounts) MarkAchievement(_ context.Context, id, name string) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, ok := a.s.st.accounts[id]; !ok {
		return false, domain.ErrNotFound
	}
	key := id + "\x00" + name
	if a.s.st.achievements[key] {
		return false, nil
	}
	a.s.st.achievements[key] = true
	return true, nil
}

func (a accounts) GetInstance(_ context.Context, id string) (domain.CardInstance, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	inst, ok := a.s.st.instances[id]
	if !ok {
		return domain.CardInstance{}, domain.ErrNotFound
	}
	return inst, nil
}

func (a accounts) InsertInstance(_ context.Context, inst domain.CardInstance) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, other := range a.s.st.instances {
		if other.Tuple() == inst.Tuple() {
			return domain.ErrSerialClaimed
		}
	}
	a.s.st.instances[inst.ID] = inst
	return nil
}

func (a accounts) DeleteInstance(_ context.Context, id string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, ok := a.s.st.instances[id]; !ok {
		return domain.ErrNotFound
	}
	delete(a.s.st.instances, id)
	return nil
}

func (a accounts) SetInstanceStatus(_ context.Context, id string, status domain.InstanceStatus) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	inst, ok := a.s.st.instances[id]
	if !ok {
		return domain.ErrNotFound
	}
	inst.Status = status
	a.s.st.instances[id] = inst
	return nil
}

func (a accounts) TransferInstance(_ context.Context, id, newOwnerID string, status domain.InstanceStatus) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	inst, ok := a.s.st.instances[id]
	if !ok {
		return domain.ErrNotFound
	}
	inst.OwnerID = newOwnerID
	inst.Status = status
	a.s.st.instances[id] = inst
	return nil
}

func (a accounts) TupleExists(_ context.Context, t domain.CardTuple) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, inst := range a.s.st.instances {
		if inst.Tuple() == t {
			return true, nil
		}
	}
	return false, nil
}

func (a accounts) ListInstances(_ context.Context, ownerID string) ([]domain.CardInstance, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []domain.CardInstance
	for _, inst := range a.s.st.instances {
		if inst.OwnerID == ownerID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// TradeStore
// ---------------------------------------------------------------------------

type trades struct{ s *Store }

func (t trades) Create(_ context.Context, tr domain.Trade) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.st.trades[tr.ID] = cloneTrade(tr)
	return nil
}

func (t trades) GetByID(_ context.Context, id string) (domain.Trade, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tr, ok := t.s.st.trades[id]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return cloneTrade(tr), nil
}

func (t trades) SetStatus(_ context.Context, id string, status domain.TradeStatus, reason string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tr, ok := t.s.st.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	if tr.Status.Terminal() {
		return domain.ErrInvalidState
	}
	now := t.s.now().UTC()
	tr.Status = status
	tr.Reason = reason
	tr.ResolvedAt = &now
	t.s.st.trades[id] = tr
	return nil
}

func (t trades) ListPendingByInstances(_ context.Context, instanceIDs []string) ([]domain.Trade, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	want := make(map[string]bool, len(instanceIDs))
	for _, id := range instanceIDs {
		want[id] = true
	}
	var out []domain.Trade
	for _, tr := range t.s.st.trades {
		if tr.Status != domain.TradePending {
			continue
		}
		for _, id := range tr.InstanceIDs() {
			if want[id] {
				out = append(out, cloneTrade(tr))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t trades) ListByAccount(_ context.Context, accountID string, opts domain.ListOpts) ([]domain.Trade, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []domain.Trade
	for _, tr := range t.s.st.trades {
		if tr.SenderID == accountID || tr.RecipientID == accountID {
			out = append(out, cloneTrade(tr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (t trades) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.Trade, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []domain.Trade
	for _, tr := range t.s.st.trades {
		if tr.Status.Terminal() && tr.ResolvedAt != nil && tr.ResolvedAt.Before(before) {
			out = append(out, cloneTrade(tr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t trades) DeleteBatch(_ context.Context, ids []string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, id := range ids {
		delete(t.s.st.trades, id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ListingStore
// ---------------------------------------------------------------------------

type listings struct{ s *Store }

func (l listings) Create(_ context.Context, li domain.Listing) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.st.listings[li.ID] = li
	return nil
}

func (l listings) GetByID(_ context.Context, id string) (domain.Listing, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	li, ok := l.s.st.listings[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return li, nil
}

func (l listings) Delete(_ context.Context, id string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if _, ok := l.s.st.listings[id]; !ok {
		return domain.ErrNotFound
	}
	delete(l.s.st.listings, id)
	for oid, o := range l.s.st.offers {
		if o.ListingID == id {
			delete(l.s.st.offers, oid)
		}
	}
	return nil
}

func (l listings) SetStatus(_ context.Context, id string, status domain.ListingStatus, reason string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	li, ok := l.s.st.listings[id]
	if !ok {
		return domain.ErrNotFound
	}
	if li.Status != domain.ListingActive {
		return domain.ErrInvalidState
	}
	li.Status = status
	li.Reason = reason
	l.s.st.listings[id] = li
	return nil
}

func (l listings) ListActiveByTuple(_ context.Context, t domain.CardTuple) ([]domain.Listing, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []domain.Listing
	for _, li := range l.s.st.listings {
		if li.Status == domain.ListingActive && li.Tuple() == t {
			out = append(out, li)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l listings) ActiveListingExists(_ context.Context, ownerID string, t domain.CardTuple) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for _, li := range l.s.st.listings {
		if li.Status == domain.ListingActive && li.OwnerID == ownerID && li.Tuple() == t {
			return true, nil
		}
	}
	return false, nil
}

func (l listings) ListActiveBefore(_ context.Context, before time.Time) ([]domain.Listing, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []domain.Listing
	for _, li := range l.s.st.listings {
		if li.Status == domain.ListingActive && li.CreatedAt.Before(before) {
			out = append(out, li)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l listings) ListActive(_ context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []domain.Listing
	for _, li := range l.s.st.listings {
		if li.Status == domain.ListingActive {
			out = append(out, li)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (l listings) AddOffer(_ context.Context, o domain.Offer) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	o.InstanceIDs = append([]string(nil), o.InstanceIDs...)
	l.s.st.offers[o.ID] = o
	return nil
}

func (l listings) GetOffer(_ context.Context, listingID, offerID string) (domain.Offer, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	o, ok := l.s.st.offers[offerID]
	if !ok || o.ListingID != listingID {
		return domain.Offer{}, domain.ErrNotFound
	}
	o.InstanceIDs = append([]string(nil), o.InstanceIDs...)
	return o, nil
}

func (l listings) RemoveOffer(_ context.Context, offerID string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if _, ok := l.s.st.offers[offerID]; !ok {
		return domain.ErrNotFound
	}
	delete(l.s.st.offers, offerID)
	return nil
}

func (l listings) ListOffers(_ context.Context, listingID string) ([]domain.Offer, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []domain.Offer
	for _, o := range l.s.st.offers {
		if o.ListingID == listingID {
			o.InstanceIDs = append([]string(nil), o.InstanceIDs...)
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l listings) HasActiveOffer(_ context.Context, listingID, offererID string) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for _, o := range l.s.st.offers {
		if o.ListingID == listingID && o.OffererID == offererID {
			return true, nil
		}
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// AuditStore
// ---------------------------------------------------------------------------

type audit struct{ s *Store }

func (a audit) Log(_ context.Context, event string, detail map[string]any) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.st.auditSeq++
	a.s.st.audit = append(a.s.st.audit, domain.AuditEntry{
		ID:        a.s.st.auditSeq,
		Event:     event,
		Detail:    detail,
		CreatedAt: a.s.now().UTC(),
	})
	return nil
}

func (a audit) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.AuditEntry, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range a.s.st.audit {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (a audit) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	kept := a.s.st.audit[:0]
	var removed int64
	for _, e := range a.s.st.audit {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	a.s.st.audit = kept
	return removed, nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface check.
var _ domain.Store = (*Store)(nil)
