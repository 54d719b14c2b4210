/*
events.go - Logging notifier

PURPOSE:
  Implements loyalty.Notifier by writing structured log lines. Stands
  in for the push-notification pipeline; swap for a real transport
  without touching the engine.
*/
package api

import (
	"log"

	"github.com/loopworks/loyalty-engine/loyalty"
)

// LogNotifier logs loyalty events.
type LogNotifier struct{}

var _ loyalty.Notifier = LogNotifier{}

func (LogNotifier) GrantUnlocked(accountID, storeID string, loops int, trigger loyalty.TriggerType) {
	log.Printf("[Notify] grant unlocked account=%s store=%s loops=%d trigger=%s",
		accountID, storeID, loops, trigger)
}

func (LogNotifier) TransactionPosted(accountID, storeID string, loops int) {
	log.Printf("[Notify] transaction posted account=%s store=%s loops=%d",
		accountID, storeID, loops)
}

func (LogNotifier) RedemptionPosted(accountID, storeID string, loops int) {
	log.Printf("[Notify] redemption posted account=%s store=%s loops=%d",
		accountID, storeID, loops)
}
