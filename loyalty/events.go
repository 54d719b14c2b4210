/*
events.go - Fire-and-forget notification boundary

PURPOSE:
  The engine announces grant unlocks, confirmed transactions, and
  redemptions to a real-time layer it knows nothing about. Broadcast
  only: no delivery guarantee, and a notifier must never block or
  fail the operation that emitted the event.
*/
package loyalty

// Notifier receives engine events. Implementations must be non-blocking.
type Notifier interface {
	GrantUnlocked(accountID, storeID string, loops int, trigger TriggerType)
	TransactionPosted(accountID, storeID string, loops int)
	RedemptionPosted(accountID, storeID string, loops int)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) GrantUnlocked(string, string, int, TriggerType) {}
func (NopNotifier) TransactionPosted(string, string, int)          {}
func (NopNotifier) RedemptionPosted(string, string, int)           {}
