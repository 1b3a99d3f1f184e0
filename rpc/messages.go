package rpc

import (
	"github.com/scorekeeper/changesync/feed"
	"github.com/scorekeeper/changesync/store"
	"github.com/scorekeeper/changesync/syncer"
)

type ChangesSinceRequest struct {
	Table  string       `json:"table"`
	Since  int64        `json:"since"`
	Limit  int          `json:"limit,omitempty"`
	Filter *feed.Filter `json:"filter,omitempty"`
}

type ChangesSinceReply struct {
	Entries []store.Entry `json:"entries"`
}

type CursorRequest struct {
	From  string `json:"from"`
	Table string `json:"table"`
}

type CursorReply struct {
	Cursor int64 `json:"cursor"`
}

type CursorsRequest struct {
	From string `json:"from"`
}

type CursorsReply struct {
	Cursors map[string]int64 `json:"cursors"`
}

type ApplyRequest struct {
	From    string        `json:"from"`
	Table   string        `json:"table"`
	Entries []store.Entry `json:"entries"`
}

type ApplyReply struct {
	Result syncer.ApplyResult `json:"result"`
}

type LastSetRequest struct {
	Table   string       `json:"table"`
	Since   int64        `json:"since"`
	GroupBy string       `json:"groupBy"`
	Filter  *feed.Filter `json:"filter,omitempty"`
}

type LastSetReply struct {
	Set *feed.LastSet `json:"set"`
}

type SyncNowRequest struct {
	Peer string `json:"peer"`
}

type SyncNowReply struct {
	Triggered bool `json:"triggered"`
}

type TrackChangesRequest struct {
	Table  string       `json:"table"`
	Since  int64        `json:"since"`
	Filter *feed.Filter `json:"filter,omitempty"`
}
