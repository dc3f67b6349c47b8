package verbs

import "fmt"

// WCStatus is the status of a work completion. Values follow enum ibv_wc_status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCLocalRDDViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = [...]struct {
	name string
	desc string
}{
	WCSuccess:               {"IBV_WC_SUCCESS", "Success"},
	WCLocalLenErr:           {"IBV_WC_LOC_LEN_ERR", "The memory region is too small to hold the received message"},
	WCLocalQPOpErr:          {"IBV_WC_LOC_QP_OP_ERR", "Internal queue pair consistency error"},
	WCLocalEECOpErr:         {"IBV_WC_LOC_EEC_OP_ERR", "Local EE context operation error"},
	WCLocalProtErr:          {"IBV_WC_LOC_PROT_ERR", "Local protection error. The posted buffer is not registered as a memory region"},
	WCWRFlushErr:            {"IBV_WC_WR_FLUSH_ERR", "Work request flush error. The queue pair went into the error state before processing all work requests"},
	WCMWBindErr:             {"IBV_WC_MW_BIND_ERR", "Unable to bind a memory window to the memory region"},
	WCBadRespErr:            {"IBV_WC_BAD_RESP_ERR", "Bad response error"},
	WCLocalAccessErr:        {"IBV_WC_LOC_ACCESS_ERR", "Local access error. A protection error occurred on a local data buffer"},
	WCRemoteInvalidReqErr:   {"IBV_WC_REM_INV_REQ_ERR", "Remote invalid request error. Invalid message detected"},
	WCRemoteAccessErr:       {"IBV_WC_REM_ACCESS_ERR", "Remote access error. Protection error on remote"},
	WCRemoteOpErr:           {"IBV_WC_REM_OP_ERR", "Remote operation error. Remote is unable to complete operation"},
	WCRetryExcErr:           {"IBV_WC_RETRY_EXC_ERR", "Retry counter exceeded without receiving ACK/NAK from remote"},
	WCRNRRetryExcErr:        {"IBV_WC_RNR_RETRY_EXC_ERR", "RNR retry counter exceeded"},
	WCLocalRDDViolErr:       {"IBV_WC_LOC_RDD_VIOL_ERR", "Local RDD violation error"},
	WCRemoteInvalidRdReqErr: {"IBV_WC_REM_INV_RD_REQ_ERR", "Remote invalid RD request"},
	WCRemoteAbortErr:        {"IBV_WC_REM_ABORT_ERR", "Remote aborted error"},
	WCInvEECNErr:            {"IBV_WC_INV_EECN_ERR", "Invalid EE context number"},
	WCInvEECStateErr:        {"IBV_WC_INV_EEC_STATE_ERR", "Invalid EE context state error"},
	WCFatalErr:              {"IBV_WC_FATAL_ERR", "Fatal error"},
	WCRespTimeoutErr:        {"IBV_WC_RESP_TIMEOUT_ERR", "Response timeout error"},
	WCGeneralErr:            {"IBV_WC_GENERAL_ERR", "General error"},
}

// String returns the verbs constant name of the status.
func (s WCStatus) String() string {
	if s >= 0 && int(s) < len(wcStatusNames) {
		return wcStatusNames[s].name
	}
	return fmt.Sprintf("IBV_WC_STATUS(%d)", int(s))
}

// Description returns a human-readable explanation of the status.
func (s WCStatus) Description() string {
	if s >= 0 && int(s) < len(wcStatusNames) {
		return wcStatusNames[s].desc
	}
	return "Unknown error"
}

// Error lets a WCStatus be matched with errors.Is against a CompletionError.
func (s WCStatus) Error() string {
	return s.String() + " - " + s.Description()
}

// OK reports whether the status is WCSuccess.
func (s WCStatus) OK() bool {
	return s == WCSuccess
}
