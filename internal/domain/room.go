package domain

type RoomID string

// Room scopes one signaling channel and one shared media state.
type Room struct {
	ID RoomID `json:"id"`
}
