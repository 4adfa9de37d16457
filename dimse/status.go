package dimse

// DICOM status codes (PS3.4) used by the gateway.
const (
	StatusSuccess               uint16 = 0x0000
	StatusProcessingFailure     uint16 = 0x0110
	StatusDuplicateInvocation   uint16 = 0x0111
	StatusUnrecognizedOperation uint16 = 0x0112
	StatusClassInstanceConflict uint16 = 0x0119
	StatusTimeout               uint16 = 0x0122
	StatusNotAuthorized         uint16 = 0x0124
	StatusOutOfResources        uint16 = 0xA700
	StatusUnableToProcess       uint16 = 0xA701
	StatusResourceLimitation    uint16 = 0xA702
	StatusNoSuchObjectInstance  uint16 = 0xA801
	StatusDatasetMismatch       uint16 = 0xA900
	StatusCannotUnderstand      uint16 = 0xC000
)

// StatusFromHTTP maps an HTTP status code to its DIMSE equivalent.
func StatusFromHTTP(status int) uint16 {
	if status >= 200 && status <= 299 {
		return StatusSuccess
	}
	switch status {
	case 400:
		return StatusCannotUnderstand
	case 401, 403:
		return StatusNotAuthorized
	case 404, 410:
		return StatusNoSuchObjectInstance
	case 405:
		return StatusDuplicateInvocation
	case 408:
		return StatusTimeout
	case 409:
		return StatusClassInstanceConflict
	case 413, 507:
		return StatusOutOfResources
	case 415:
		return StatusDatasetMismatch
	case 429:
		return StatusResourceLimitation
	case 500:
		return StatusProcessingFailure
	case 501:
		return StatusUnrecognizedOperation
	case 502, 503, 504:
		return StatusUnableToProcess
	}
	if status >= 400 && status <= 499 {
		return StatusCannotUnderstand
	}
	return StatusProcessingFailure
}

// IsRetriable reports whether a status indicates a transient condition
// worth retrying.
func IsRetriable(status uint16) bool {
	switch status {
	case StatusOutOfResources, StatusUnableToProcess, StatusResourceLimitation, StatusTimeout:
		return true
	}
	return false
}
