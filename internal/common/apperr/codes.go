package apperr

// Numeric error codes carried in the HTTP envelope. Code 0 means success.
// Blocks: 4xxxx generic client errors, 1xxxx domain errors, 5xxxx server errors.
const (
	CodeOK int = 0

	CodeValidation   int = 40000
	CodeUnauthorized int = 40100
	CodeForbidden    int = 40300
	CodeNotFound     int = 40400
	CodeConflict     int = 40900

	CodeEnvVarNotFound  int = 11001
	CodeEnvVarForbidden int = 11002
	CodeEnvVarConflict  int = 11003

	CodeMcpServerNotFound  int = 12001
	CodeMcpServerForbidden int = 12002
	CodeMcpServerConflict  int = 12003

	CodeSkillNotFound  int = 13001
	CodeSkillForbidden int = 13002
	CodeSkillConflict  int = 13003

	CodeProjectNotFound int = 14001

	CodeSlashCommandNotFound  int = 15001
	CodeSlashCommandForbidden int = 15002
	CodeSlashCommandConflict  int = 15003

	CodeSubAgentNotFound  int = 16001
	CodeSubAgentForbidden int = 16002
	CodeSubAgentConflict  int = 16003

	CodeInternal        int = 50000
	CodeDatabase        int = 50101
	CodeExternalService int = 50201
)

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code int) int {
	switch code {
	case CodeOK:
		return 200
	case CodeValidation:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeForbidden, CodeEnvVarForbidden, CodeMcpServerForbidden,
		CodeSkillForbidden, CodeSlashCommandForbidden, CodeSubAgentForbidden:
		return 403
	case CodeNotFound, CodeEnvVarNotFound, CodeMcpServerNotFound,
		CodeSkillNotFound, CodeProjectNotFound, CodeSlashCommandNotFound,
		CodeSubAgentNotFound:
		return 404
	case CodeConflict, CodeEnvVarConflict, CodeMcpServerConflict,
		CodeSkillConflict, CodeSlashCommandConflict, CodeSubAgentConflict:
		return 409
	default:
		return 500
	}
}
