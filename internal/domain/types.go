package domain

// StoreType names a storefront adapter (e.g. "bol", "mediamarkt")
type StoreType string

// TaskStatus represents the lifecycle state of a purchase task
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// WatchStatus represents the state of a watchlist item
type WatchStatus string

const (
	WatchMonitoring WatchStatus = "monitoring"
	WatchPurchasing WatchStatus = "purchasing"
	WatchPaused     WatchStatus = "paused"
	WatchPurchased  WatchStatus = "purchased"
	WatchFailed     WatchStatus = "failed"
)

// AlertKind classifies a product alert
type AlertKind string

const (
	AlertStock         AlertKind = "stock"
	AlertPriceDrop     AlertKind = "price_drop"
	AlertAutoPurchase  AlertKind = "auto_purchase"
	AlertPurchaseDone  AlertKind = "purchase_completed"
	AlertPurchaseError AlertKind = "purchase_failed"
)

// Priority is the scheduling hint passed to the queue. Higher runs first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)
