package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor
	FieldUserID        = "user_id"
	FieldParticipantID = "participant_id"

	// Service
	FieldService = "service"

	// Chat session
	FieldRoomID       = "room_id"
	FieldRoomKind     = "room_kind"
	FieldGeneration   = "generation"
	FieldState        = "state"
	FieldFromState    = "from_state"
	FieldAttempt      = "attempt"
	FieldDelay        = "delay"
	FieldErrorKind    = "error_kind"
	FieldEvent        = "event"
	FieldClientTempID = "client_temp_id"
	FieldMessageID    = "message_id"
	FieldConnID       = "conn_id"
)
