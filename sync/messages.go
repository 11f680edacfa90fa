package sync

import (
	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/oplog"
)

// Method names of the five RPCs a replica answers.
const (
	MethodStateSummary          = "stateSummary"
	MethodSessionUpdate         = "sessionUpdate"
	MethodFindLastSharedHistory = "findLastSharedHistory"
	MethodEndSession            = "endSession"
	MethodLiveUpdate            = "liveUpdate"
)

// StateSummaryArgs is the body of stateSummary.
type StateSummaryArgs struct {
	Session       ids.Uuid            `json:"session"`
	Hash          Hash                `json:"hash"`
	LatestIndexes map[ids.Uuid]uint32 `json:"latestIndexes"`
}

// SessionUpdateArgs is the body of sessionUpdate.
type SessionUpdateArgs struct {
	Session ids.Uuid   `json:"session"`
	Ops     []oplog.Op `json:"ops"`
}

// SavePointRef is one entry of findLastSharedHistory's save-point list:
// enough to let the peer recognize a shared point without shipping the
// full snapshot.
type SavePointRef struct {
	Hash Hash          `json:"hash"`
	ID   ids.Timestamp `json:"id"`
}

// FindLastSharedHistoryArgs is the body of findLastSharedHistory.
type FindLastSharedHistoryArgs struct {
	Session    ids.Uuid       `json:"session"`
	SavePoints []SavePointRef `json:"savePoints"`
}

// EndSessionArgs is the body of endSession.
type EndSessionArgs struct {
	Session ids.Uuid `json:"session"`
}

// LiveUpdateArgs is the body of liveUpdate, sent outside any session.
type LiveUpdateArgs struct {
	Ops []oplog.Op `json:"ops"`
}

// findMissingOps collects what the peer lacks: for every author where
// localIdx > remoteIdx, the ops authored by that author between the two
// indices.
func findMissingOps(log []oplog.Op, localIdx, remoteIdx map[ids.Uuid]uint32) []oplog.Op {
	var out []oplog.Op
	for author, local := range localIdx {
		remote := remoteIdx[author]
		if local <= remote {
			continue
		}
		for _, op := range log {
			if op.Timestamp.Author == author && op.Timestamp.Index > remote && op.Timestamp.Index <= local {
				out = append(out, op)
			}
		}
	}
	return out
}
