// ABOUTME: Error codes carried in register_ack and result messages.
// ABOUTME: Includes the mapping from legacy code names still sent by older agents.

package protocol

// ErrorCode classifies an unsuccessful ack or result.
type ErrorCode string

const (
	// Registration
	CodeIdentityConflict  ErrorCode = "IDENTITY_CONFLICT"
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	CodeAlreadyRegistered ErrorCode = "ALREADY_REGISTERED"

	// Dispatch
	CodeClientNotFound     ErrorCode = "CLIENT_NOT_FOUND"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeSendError          ErrorCode = "SEND_ERROR"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeClientDisconnected ErrorCode = "CLIENT_DISCONNECTED"

	// Execution
	CodeDeviceBusy     ErrorCode = "DEVICE_BUSY"
	CodeAppNotFound    ErrorCode = "APP_NOT_FOUND"
	CodeExecutionError ErrorCode = "EXECUTION_ERROR"
)

// legacyCodes maps names used by the first generation of agents.
var legacyCodes = map[ErrorCode]ErrorCode{
	"CLIENT_ID_CONFLICT": CodeIdentityConflict,
}

// normalizeCode resolves the code to use when a message carried both fields.
func normalizeCode(code, legacy ErrorCode) ErrorCode {
	if code == "" {
		code = legacy
	}
	if mapped, ok := legacyCodes[code]; ok {
		return mapped
	}
	return code
}
