package audit

import (
	"context"

	"github.com/weiawesome/ephemeral-chat/pkg/log"
)

// Audit actions.
const (
	ActionCreateRoom   = "room.create"
	ActionJoinRoom     = "room.join"
	ActionJoinDenied   = "room.join_denied"
	ActionLeaveRoom    = "room.leave"
	ActionRename       = "room.rename"
	ActionExpireRooms  = "room.expire"
	ActionVerifyFailed = "room.verify_failed"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, roomID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldRoomID, roomID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, roomID string, detail string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldRoomID, roomID).
		Str(FieldDetail, detail).
		Msg(msg)
}
