package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/storefront/pkg/storefront"
)

// attempt is one run of the install workflow for a product and button.
type attempt struct {
	id        string
	product   *storefront.Product
	handle    string
	restarts  int
	startedAt time.Time
	purchased bool

	mu       sync.Mutex
	watchdog *time.Timer

	once   sync.Once
	result storefront.InstallerHandle
	err    error
}

func newAttempt(product *storefront.Product, handle string, restarts int) *attempt {
	return &attempt{
		id:        uuid.New().String(),
		product:   product,
		handle:    handle,
		restarts:  restarts,
		startedAt: time.Now(),
	}
}

// settle stores the outcome. Only the first call has any effect; it reports
// whether this call settled the attempt.
func (a *attempt) settle(h storefront.InstallerHandle, err error) bool {
	settled := false
	a.once.Do(func() {
		a.result = h
		a.err = err
		settled = true
	})
	return settled
}

// armWatchdog runs fn after d unless the watchdog is stopped first.
func (a *attempt) armWatchdog(d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watchdog != nil {
		a.watchdog.Stop()
	}
	a.watchdog = time.AfterFunc(d, fn)
}

func (a *attempt) stopWatchdog() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}
}

// record builds the persisted form of the settled attempt.
func (a *attempt) record(finishedAt time.Time) storefront.AttemptRecord {
	r := storefront.AttemptRecord{
		ID:          a.id,
		ProductID:   a.product.ID,
		Slug:        a.product.Slug,
		ManifestURL: a.product.ManifestURL,
		Status:      storefront.StatusForError(a.err),
		ErrorKind:   storefront.KindOf(a.err),
		Reason:      storefront.ReasonOf(a.err),
		Purchased:   a.purchased,
		Restarts:    a.restarts,
		StartedAt:   a.startedAt,
		FinishedAt:  finishedAt,
	}
	if a.err != nil {
		r.Message = a.err.Error()
	}
	return r
}
