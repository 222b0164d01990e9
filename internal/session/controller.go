package session

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/qbank/internal/model"
	"github.com/sells-group/qbank/internal/store"
	"github.com/sells-group/qbank/internal/upload"
)

// Controller owns the single active session and swaps it on load, upload
// and close. A failed load leaves the active session in place.
type Controller struct {
	store   store.Store
	ownerID string
	opts    Options

	mu     sync.Mutex
	active *Session
	log    *zap.Logger
}

// NewController creates a controller. st may be nil, in which case only
// LoadLocal is available.
func NewController(st store.Store, ownerID string, opts Options) *Controller {
	opts.Writer = nil
	if st != nil {
		opts.Writer = st
	}
	return &Controller{
		store:   st,
		ownerID: ownerID,
		opts:    opts,
		log:     zap.L().Named("controller"),
	}
}

// Active returns the loaded session.
func (c *Controller) Active() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, ErrNoActiveBank
	}
	return c.active, nil
}

// ListBanks returns the owner's banks, most recently updated first.
func (c *Controller) ListBanks(ctx context.Context) ([]model.BankSummary, error) {
	if c.store == nil {
		return nil, ErrNoStore
	}
	banks, err := c.store.ListBanks(ctx, c.ownerID)
	if err != nil {
		return nil, eris.Wrap(err, "controller: list banks")
	}

	c.mu.Lock()
	if c.active != nil {
		for i := range banks {
			banks[i].Active = banks[i].ID == c.active.ID()
		}
	}
	c.mu.Unlock()
	return banks, nil
}

// Upload parses data, stores it as a new bank named name and activates it.
func (c *Controller) Upload(ctx context.Context, name string, data []byte) (*Session, error) {
	if c.store == nil {
		return nil, &LoadFailure{Op: "upload", Err: ErrNoStore}
	}
	records, err := upload.Parse(data)
	if err != nil {
		return nil, &LoadFailure{Op: "upload", Err: err}
	}

	bankID, err := c.store.CreateBank(ctx, c.ownerID, name)
	if err != nil {
		return nil, &LoadFailure{Op: "upload", Err: err}
	}
	refs, err := c.store.InsertRecords(ctx, bankID, records)
	if err != nil {
		// Don't leave an empty bank behind.
		if derr := c.store.DeleteBank(ctx, bankID); derr != nil {
			c.log.Warn("cleanup of partial upload failed", zap.String("bank_id", bankID), zap.Error(derr))
		}
		return nil, &LoadFailure{Op: "upload", Err: err}
	}

	now := time.Now().UTC()
	bank := &model.Bank{
		ID:        bankID,
		OwnerID:   c.ownerID,
		Name:      name,
		Records:   records,
		Statuses:  model.PendingStatuses(len(records)),
		RowIDs:    make(map[int]string, len(refs)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, ref := range refs {
		bank.RowIDs[ref.Index] = ref.RowID
	}

	s, err := c.activate(ctx, bank, c.opts)
	if err != nil {
		return nil, &LoadFailure{Op: "upload", Err: err}
	}
	c.log.Info("bank uploaded", zap.String("bank_id", bankID), zap.String("name", name), zap.Int("records", len(records)))
	return s, nil
}

// Load fetches bankID from the store and activates it. Pending writes of
// the current session are flushed first so a reload sees them.
func (c *Controller) Load(ctx context.Context, bankID string) (*Session, error) {
	if c.store == nil {
		return nil, &LoadFailure{Op: "load", Err: ErrNoStore}
	}
	if cur, err := c.Active(); err == nil {
		if err := cur.Flush(ctx); err != nil {
			return nil, &LoadFailure{Op: "load", Err: err}
		}
	}

	bank, err := c.store.LoadBank(ctx, bankID)
	if err != nil {
		return nil, &LoadFailure{Op: "load", Err: err}
	}
	s, err := c.activate(ctx, bank, c.opts)
	if err != nil {
		return nil, &LoadFailure{Op: "load", Err: err}
	}
	c.log.Info("bank loaded", zap.String("bank_id", bankID), zap.Int("records", s.Len()))
	return s, nil
}

// LoadMostRecent activates the owner's most recently updated bank. It
// returns ErrNoActiveBank when the owner has none.
func (c *Controller) LoadMostRecent(ctx context.Context) (*Session, error) {
	banks, err := c.ListBanks(ctx)
	if err != nil {
		return nil, &LoadFailure{Op: "load", Err: err}
	}
	if len(banks) == 0 {
		return nil, ErrNoActiveBank
	}
	return c.Load(ctx, banks[0].ID)
}

// LoadLocal activates a file without storing it. Nothing is persisted for
// the resulting session.
func (c *Controller) LoadLocal(ctx context.Context, name string, data []byte) (*Session, error) {
	records, err := upload.Parse(data)
	if err != nil {
		return nil, &LoadFailure{Op: "load_local", Err: err}
	}
	bank := &model.Bank{
		Name:     name,
		OwnerID:  c.ownerID,
		Records:  records,
		Statuses: model.PendingStatuses(len(records)),
	}
	opts := c.opts
	opts.Writer = nil
	s, err := c.activate(ctx, bank, opts)
	if err != nil {
		return nil, &LoadFailure{Op: "load_local", Err: err}
	}
	return s, nil
}

// Delete removes bankID from the store, closing it first if it is active.
func (c *Controller) Delete(ctx context.Context, bankID string) error {
	if c.store == nil {
		return ErrNoStore
	}

	c.mu.Lock()
	var cur *Session
	if c.active != nil && c.active.ID() == bankID {
		cur = c.active
		c.active = nil
	}
	c.mu.Unlock()

	if cur != nil {
		if err := cur.Close(ctx); err != nil {
			c.log.Warn("flush before delete failed", zap.String("bank_id", bankID), zap.Error(err))
		}
	}
	if err := c.store.DeleteBank(ctx, bankID); err != nil {
		return eris.Wrapf(err, "controller: delete bank %s", bankID)
	}
	c.log.Info("bank deleted", zap.String("bank_id", bankID))
	return nil
}

// Close flushes and tears down the active session, if any.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	cur := c.active
	c.active = nil
	c.mu.Unlock()

	if cur == nil {
		return nil
	}
	return cur.Close(ctx)
}

// activate builds the new session before touching the current one so a
// construction error leaves it active.
func (c *Controller) activate(ctx context.Context, bank *model.Bank, opts Options) (*Session, error) {
	s, err := New(bank, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev := c.active
	c.active = s
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Close(ctx); err != nil {
			c.log.Warn("closing previous bank", zap.String("bank_id", prev.ID()), zap.Error(err))
		}
	}
	return s, nil
}
