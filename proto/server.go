package proto

type ServerStatus int

const (
	ServerStatusUnknown ServerStatus = iota
	ServerStatusUp
	ServerStatusCrashed
	ServerStatusRemoved
)

type ServerEvent int

const (
	ServerEventNone ServerEvent = iota
	ServerEventJoined
	ServerEventCrashed
	ServerEventRemoved
)

type ServerDetails struct {
	ServerID ServerID     `json:"server_id"`
	Addr     string       `json:"addr"`
	Status   ServerStatus `json:"status"`
}

// ServerChange is one entry of the membership feed. On crash and remove
// events only Details.ServerID is meaningful; the rest of the snapshot must
// not be read.
type ServerChange struct {
	Details ServerDetails `json:"details"`
	Event   ServerEvent   `json:"event"`
}
