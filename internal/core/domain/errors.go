package domain

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomExists         = errors.New("room already exists")
	ErrInvalidInstrument  = errors.New("invalid instrument")
	ErrInvalidNote        = errors.New("invalid note event")
	ErrSlugSpaceExhausted = errors.New("slug space exhausted")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrAlreadyJoined      = errors.New("already joined a room")
	ErrNotJoined          = errors.New("not joined to a room")
)
