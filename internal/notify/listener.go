// Package notify bridges Postgres LISTEN/NOTIFY to the WebSocket hub. The
// notify_loan_change trigger publishes every loan insert/update on the
// loan_changes channel; this listener decodes the payload and fans it out,
// so events reach subscribers no matter which process wrote the row.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

const channel = "loan_changes"

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// LoanChange is the trigger payload.
type LoanChange struct {
	Operation   string  `json:"operation"`
	LoanID      string  `json:"loan_id"`
	CountryCode string  `json:"country_code"`
	OldStatus   *string `json:"old_status"`
	NewStatus   string  `json:"new_status"`
	Timestamp   string  `json:"timestamp"`
}

// Emitter receives decoded changes. *hub.Hub satisfies it.
type Emitter interface {
	EmitLoanCreated(loanID, countryCode string, data map[string]any)
	EmitLoanUpdated(loanID, countryCode string, changes map[string]any)
	EmitStatusChanged(loanID, countryCode, oldStatus, newStatus string)
}

// Listener consumes the loan_changes channel.
type Listener struct {
	pql     *pq.Listener
	emitter Emitter
}

// NewListener opens a dedicated LISTEN connection. pq reconnects on its own;
// connection state changes are logged through the event callback.
func NewListener(databaseURL string, emitter Emitter) (*Listener, error) {
	pql := pq.NewListener(databaseURL, minReconnectInterval, maxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected:
				slog.Info("notify listener connected", "channel", channel)
			case pq.ListenerEventReconnected:
				slog.Info("notify listener reconnected", "channel", channel)
			case pq.ListenerEventConnectionAttemptFailed:
				slog.Warn("notify listener connection attempt failed", "error", err)
			case pq.ListenerEventDisconnected:
				slog.Warn("notify listener disconnected", "error", err)
			}
		})

	if err := pql.Listen(channel); err != nil {
		pql.Close()
		return nil, fmt.Errorf("notify: listen %s: %w", channel, err)
	}
	return &Listener{pql: pql, emitter: emitter}, nil
}

// Run blocks dispatching notifications until ctx is cancelled. Periodic
// pings surface dead connections that produced no traffic.
func (l *Listener) Run(ctx context.Context) error {
	defer l.pql.Close()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n := <-l.pql.Notify:
			// nil notification arrives after a reconnect; events may have
			// been missed but the next change resyncs clients.
			if n == nil {
				continue
			}
			l.dispatch([]byte(n.Extra))

		case <-ticker.C:
			if err := l.pql.Ping(); err != nil {
				slog.Warn("notify listener ping failed", "error", err)
			}
		}
	}
}

// dispatch routes one payload: inserts emit loan_created, status moves emit
// status_changed, everything else is a plain loan_updated.
func (l *Listener) dispatch(payload []byte) {
	var change LoanChange
	if err := json.Unmarshal(payload, &change); err != nil {
		slog.Error("undecodable loan change notification", "error", err, "payload", string(payload))
		return
	}

	switch {
	case change.Operation == "INSERT":
		l.emitter.EmitLoanCreated(change.LoanID, change.CountryCode, map[string]any{
			"status": change.NewStatus,
		})
	case change.OldStatus != nil && *change.OldStatus != change.NewStatus:
		l.emitter.EmitStatusChanged(change.LoanID, change.CountryCode, *change.OldStatus, change.NewStatus)
	default:
		l.emitter.EmitLoanUpdated(change.LoanID, change.CountryCode, map[string]any{
			"status": change.NewStatus,
		})
	}
}
