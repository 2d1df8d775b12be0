package swmsg

// EventType names an event posted to pages
type EventType string

const (
	// EventUpdateAvailable announces a waiting version; pages offer a reload
	EventUpdateAvailable EventType = "UPDATE_AVAILABLE"

	// EventControllerChange tells a page a new version now controls it;
	// pages reload on it
	EventControllerChange EventType = "CONTROLLER_CHANGE"

	// EventSkipWaitingFailed answers a skip-waiting command that found no waiting version
	EventSkipWaitingFailed EventType = "SKIP_WAITING_FAILED"

	// EventNotification carries a displayed notification
	EventNotification EventType = "NOTIFICATION"

	// EventNotificationClose removes a notification from the page surface
	EventNotificationClose EventType = "NOTIFICATION_CLOSE"

	// EventFocus asks a page to bring itself to the foreground
	EventFocus EventType = "FOCUS"

	// EventError surfaces a one-off error message to the user
	EventError EventType = "ERROR"

	// EventSyncComplete reports a finished background sync
	EventSyncComplete EventType = "SYNC_COMPLETE"
)

// Event is the JSON shape posted to pages
type Event struct {
	Type    EventType   `json:"type"`
	Version string      `json:"version,omitempty"`
	Message string      `json:"message,omitempty"`
	URL     string      `json:"url,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Messages shown to users
const (
	MessageNoWaitingVersion = "Nenhuma atualização aguardando ativação. Tente recarregar a página."
	MessagePermissionDenied = "Permissão para notificações negada."
)
