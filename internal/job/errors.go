package job

import "github.com/oriys/osmdbt-worker/internal/joberr"

// The error taxonomy lives in joberr so that the engine's leaf dependencies
// (sequence, toolrunner, mediator) can tag their own errors without
// importing job. These aliases let the engine and its tests keep referring
// to Kind/Error/Tag/KindOf as if they were native to this package.
type Kind = joberr.Kind

const (
	KindGeneral      = joberr.KindGeneral
	KindTool         = joberr.KindTool
	KindInspector    = joberr.KindInspector
	KindInvalidState = joberr.KindInvalidState
	KindRollback     = joberr.KindRollback
	KindObjectStore  = joberr.KindObjectStore
	KindFilesystem   = joberr.KindFilesystem
	KindTerminated   = joberr.KindTerminated
)

type Error = joberr.Error

var Tag = joberr.Tag
var KindOf = joberr.KindOf
