package creditengine_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	ce "github.com/ineyio/creditengine"
	"github.com/ineyio/creditengine/ledger"
	sqliteledger "github.com/ineyio/creditengine/ledger/sqlite"
	"github.com/ineyio/creditengine/registry"
	sqliteregistry "github.com/ineyio/creditengine/registry/sqlite"
)

var errStore = errors.New("store unavailable")

// spyLedger counts ledger calls and can fail credits on demand.
type spyLedger struct {
	ce.LedgerStore
	debits     atomic.Int64
	credits    atomic.Int64
	failCredit atomic.Bool
}

func (l *spyLedger) TryDebit(ctx context.Context, userID string, amount int64) (bool, error) {
	l.debits.Add(1)
	return l.LedgerStore.TryDebit(ctx, userID, amount)
}

func (l *spyLedger) Credit(ctx context.Context, userID string, amount int64) error {
	l.credits.Add(1)
	if l.failCredit.Load() {
		return errStore
	}
	return l.LedgerStore.Credit(ctx, userID, amount)
}

// faultyRegistry fails selected operations.
type faultyRegistry struct {
	*registry.Memory
	failCreate func(job ce.Job) bool
	failUpdate bool
	failFind   bool

	mu      sync.Mutex
	creates int
}

func (r *faultyRegistry) Create(ctx context.Context, job ce.Job) (ce.Job, error) {
	r.mu.Lock()
	r.creates++
	r.mu.Unlock()
	if r.failCreate != nil && r.failCreate(job) {
		return ce.Job{}, errStore
	}
	return r.Memory.Create(ctx, job)
}

func (r *faultyRegistry) UpdateStatus(ctx context.Context, jobID string, status ce.JobStatus, result ce.JobResult) (ce.Job, bool, error) {
	if r.failUpdate {
		return ce.Job{}, false, errStore
	}
	return r.Memory.UpdateStatus(ctx, jobID, status, result)
}

func (r *faultyRegistry) FindByExternalRequestID(ctx context.Context, externalRequestID string) (ce.Job, error) {
	if r.failFind {
		return ce.Job{}, errStore
	}
	return r.Memory.FindByExternalRequestID(ctx, externalRequestID)
}

type engine struct {
	ledger   *spyLedger
	registry *faultyRegistry
	coord    *ce.Coordinator
	recon    *ce.Reconciler
}

func newEngine(t *testing.T, opts ...ce.Option) *engine {
	t.Helper()
	e := &engine{
		ledger:   &spyLedger{LedgerStore: ledger.NewMemoryStore()},
		registry: &faultyRegistry{Memory: registry.NewMemory()},
	}
	opts = append([]ce.Option{ce.WithOrphanLog(e.registry)}, opts...)

	var err error
	e.coord, err = ce.NewCoordinator(e.ledger, e.registry, opts...)
	require.NoError(t, err)
	e.recon, err = ce.NewReconciler(e.ledger, e.registry, opts...)
	require.NoError(t, err)
	return e
}

func (e *engine) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	require.NoError(t, e.ledger.LedgerStore.Ensure(context.Background(), userID, amount))
}

func (e *engine) balance(t *testing.T, userID string) int64 {
	t.Helper()
	n, err := e.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return n
}

func (e *engine) orphans(t *testing.T) []ce.Orphan {
	t.Helper()
	o, err := e.registry.List(context.Background(), 0)
	require.NoError(t, err)
	return o
}

// submitOK returns a SubmitFunc that hands out the given provider id.
func submitOK(externalID string) ce.SubmitFunc {
	return func(context.Context, string) (string, error) { return externalID, nil }
}

func submitErr(err error) ce.SubmitFunc {
	return func(context.Context, string) (string, error) { return "", err }
}

// seqSubmit hands out req-1, req-2, ... across concurrent calls.
func seqSubmit() ce.SubmitFunc {
	var n atomic.Int64
	return func(context.Context, string) (string, error) {
		return "req-" + strconv.FormatInt(n.Add(1), 10), nil
	}
}

// sqlEngine runs the coordinator over SQLite stores, which honour context
// cancellation the way the production backends do.
type sqlEngine struct {
	ledger   *sqliteledger.Store
	registry *sqliteregistry.Store
	coord    *ce.Coordinator
}

func newSQLEngine(t *testing.T) *sqlEngine {
	t.Helper()
	db, err := sqliteledger.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	e := &sqlEngine{
		ledger:   sqliteledger.New(db),
		registry: sqliteregistry.New(db),
	}
	require.NoError(t, e.ledger.EnsureSchema(ctx))
	require.NoError(t, e.registry.EnsureSchema(ctx))

	e.coord, err = ce.NewCoordinator(e.ledger, e.registry, ce.WithOrphanLog(e.registry))
	require.NoError(t, err)
	return e
}
