// Package ledgerclient defines the narrow interface the core uses to talk
// to the external token-transfer ledger, together with the error taxonomy
// the settlement reconciler keys its retry policy on. The ledger itself is
// an opaque asynchronous service; the core never assumes anything beyond
// this contract.
package ledgerclient

import (
	"context"

	"github.com/openpool/poolex/internal/money"
)

// Transfer leg directions.
const (
	DirectionDebit  = "DEBIT"
	DirectionCredit = "CREDIT"
)

// Submission statuses returned by the ledger.
const (
	SubmitAccepted = "ACCEPTED"
	SubmitRejected = "REJECTED"
)

// TransferStatus is the ledger's view of a submitted transfer.
type TransferStatus string

const (
	StatusPending   TransferStatus = "PENDING"
	StatusConfirmed TransferStatus = "CONFIRMED"
	StatusFailed    TransferStatus = "FAILED"
	StatusUnknown   TransferStatus = "UNKNOWN"
)

// TransferLeg is one movement of value inside an atomic multi-party
// transfer. All legs of a submission execute together or not at all.
type TransferLeg struct {
	Account   string      `json:"account"`
	Amount    money.Money `json:"amount"`
	Direction string      `json:"direction"`
}

// SubmitResult is the ledger's synchronous answer to a submission.
type SubmitResult struct {
	LedgerTxRef string `json:"ledger_tx_ref"`
	Status      string `json:"status"`
}

// Client is the external ledger interface consumed by the settlement
// reconciler. SubmitTransfer must honor the caller-generated idempotency
// token: re-submitting the same token must not move funds twice. For
// ledgers that cannot guarantee that, FindTransferByToken lets the
// reconciler query before resubmitting.
type Client interface {
	SubmitTransfer(ctx context.Context, idempotencyToken string, legs []TransferLeg) (SubmitResult, error)
	GetTransferStatus(ctx context.Context, ledgerTxRef string) (TransferStatus, error)
	FindTransferByToken(ctx context.Context, idempotencyToken string) (SubmitResult, bool, error)
}
