package notifier

// Types of the messages the worker posts to pages.
const (
	TypeSyncQueued       = "SYNC_QUEUED"
	TypeSyncComplete     = "SYNC_COMPLETE"
	TypeActivated        = "SW_ACTIVATED"
	TypeSyncStatus       = "SYNC_STATUS"
	TypeOnlineStatus     = "ONLINE_STATUS"
	TypePushNotification = "PUSH_NOTIFICATION"
	TypeFocus            = "FOCUS"
	TypeOpenWindow       = "OPEN_WINDOW"
)

type SyncQueued struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func NewSyncQueued(count int) SyncQueued {
	return SyncQueued{Type: TypeSyncQueued, Count: count}
}

// SyncComplete reports the outcome of one sync pass. Dead counts requests
// that failed permanently and were moved out of the queue.
type SyncComplete struct {
	Type      string `json:"type"`
	Synced    int    `json:"synced"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
	Dead      int    `json:"dead"`
}

func NewSyncComplete(synced, failed, remaining, dead int) SyncComplete {
	return SyncComplete{Type: TypeSyncComplete, Synced: synced, Failed: failed, Remaining: remaining, Dead: dead}
}

type Activated struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

func NewActivated(version string) Activated {
	return Activated{Type: TypeActivated, Version: version}
}

type SyncStatus struct {
	Type         string `json:"type"`
	PendingCount int    `json:"pendingCount"`
}

func NewSyncStatus(pending int) SyncStatus {
	return SyncStatus{Type: TypeSyncStatus, PendingCount: pending}
}

type OnlineStatus struct {
	Type   string `json:"type"`
	Online bool   `json:"online"`
}

func NewOnlineStatus(online bool) OnlineStatus {
	return OnlineStatus{Type: TypeOnlineStatus, Online: online}
}

// PushNotification carries a push payload to pages. The notification
// itself is opaque to the worker.
type PushNotification struct {
	Type         string `json:"type"`
	Notification any    `json:"notification"`
}

func NewPushNotification(n any) PushNotification {
	return PushNotification{Type: TypePushNotification, Notification: n}
}

// Navigate asks a page to focus itself (TypeFocus) or to open a new
// window (TypeOpenWindow) at URL.
type Navigate struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

func NewFocus(url string) Navigate {
	return Navigate{Type: TypeFocus, URL: url}
}

func NewOpenWindow(url string) Navigate {
	return Navigate{Type: TypeOpenWindow, URL: url}
}
