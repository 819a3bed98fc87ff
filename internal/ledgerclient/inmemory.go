package ledgerclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// InMemory is a ledger simulator honoring the full Client contract,
// including token idempotency. It backs local development runs (no gateway
// configured) and the settlement tests. Failure modes can be scripted per
// token to exercise the reconciler's retry, failure and dispute paths.
type InMemory struct {
	mu        sync.Mutex
	byToken   map[string]SubmitResult
	byTxRef   map[string]TransferStatus
	submits   map[string]int // submissions seen per token, including replays
	scripted  map[string][]error
	statusFor map[string]TransferStatus
}

// NewInMemory creates an empty simulator that confirms every transfer.
func NewInMemory() *InMemory {
	return &InMemory{
		byToken:   make(map[string]SubmitResult),
		byTxRef:   make(map[string]TransferStatus),
		submits:   make(map[string]int),
		scripted:  make(map[string][]error),
		statusFor: make(map[string]TransferStatus),
	}
}

// FailSubmit scripts errors returned by successive SubmitTransfer calls for
// a token, before the submission finally succeeds.
func (m *InMemory) FailSubmit(token string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[token] = append(m.scripted[token], errs...)
}

// SetOutcome fixes the confirmation status reported for a token's transfer.
func (m *InMemory) SetOutcome(token string, status TransferStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusFor[token] = status
}

// ResolveTx overrides the status reported for an already-submitted
// transfer, simulating finality arriving later.
func (m *InMemory) ResolveTx(txRef string, status TransferStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTxRef[txRef] = status
}

// SubmitCount reports how many SubmitTransfer calls reached the ledger for
// the token; the idempotency tests assert effect-count separately.
func (m *InMemory) SubmitCount(token string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits[token]
}

// EffectiveTransfers counts distinct transfers that actually moved funds.
func (m *InMemory) EffectiveTransfers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byToken)
}

// SubmitTransfer implements Client with exactly-once effect per token.
func (m *InMemory) SubmitTransfer(ctx context.Context, idempotencyToken string, legs []TransferLeg) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, Transient(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submits[idempotencyToken]++
	if queue := m.scripted[idempotencyToken]; len(queue) > 0 {
		err := queue[0]
		m.scripted[idempotencyToken] = queue[1:]
		return SubmitResult{}, err
	}
	if existing, ok := m.byToken[idempotencyToken]; ok {
		return existing, nil // replay: same result, no second transfer
	}

	var net int64
	for _, leg := range legs {
		if leg.Direction == DirectionDebit {
			net += leg.Amount.Units()
		} else {
			net -= leg.Amount.Units()
		}
	}
	if net != 0 {
		return SubmitResult{}, Permanent("UNBALANCED", fmt.Sprintf("legs do not net to zero: %d", net))
	}

	result := SubmitResult{LedgerTxRef: "ltx-" + uuid.NewString(), Status: SubmitAccepted}
	m.byToken[idempotencyToken] = result
	status, ok := m.statusFor[idempotencyToken]
	if !ok {
		status = StatusConfirmed
	}
	m.byTxRef[result.LedgerTxRef] = status
	return result, nil
}

// GetTransferStatus implements Client.
func (m *InMemory) GetTransferStatus(ctx context.Context, ledgerTxRef string) (TransferStatus, error) {
	if err := ctx.Err(); err != nil {
		return StatusUnknown, Transient(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.byTxRef[ledgerTxRef]; ok {
		return status, nil
	}
	return StatusUnknown, nil
}

// FindTransferByToken implements Client.
func (m *InMemory) FindTransferByToken(ctx context.Context, idempotencyToken string) (SubmitResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, false, Transient(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.byToken[idempotencyToken]
	return result, ok, nil
}
