package proto

const ReqIdKey = "req-id"

type (
	OwnerID   = uint64
	SegmentID = uint64
	ServerID  = uint64
)
