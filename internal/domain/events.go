package domain

// EventType - вид изменения записи.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event - уведомление об изменении записи. Для delete Data содержит запись до удаления.
type Event[T any] struct {
	Type EventType `json:"type"`
	Data T         `json:"data"`
}
