package response

import (
	"encoding/json"
	"net/http"

	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/provision"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteErr writes err as a failed Result with the status its kind maps to.
func WriteErr(w http.ResponseWriter, err error) {
	info := model.NewErrorInfo(err)
	WriteJSON(w, StatusForKind(info.Kind), provision.Result{Outcome: model.OutcomeFailed, Error: info})
}

// WriteResult writes a provisioning result. success is the status used for
// ok and partial outcomes.
func WriteResult(w http.ResponseWriter, success int, res provision.Result) {
	WriteJSON(w, StatusForResult(success, res), res)
}

// StatusForResult maps an outcome to an HTTP status.
func StatusForResult(success int, res provision.Result) int {
	switch res.Outcome {
	case model.OutcomeOK, model.OutcomePartial:
		return success
	case model.OutcomeInProgress:
		return http.StatusAccepted
	default:
		if res.Error == nil {
			return http.StatusInternalServerError
		}
		return StatusForKind(res.Error.Kind)
	}
}

// StatusForKind maps an error kind to an HTTP status.
func StatusForKind(kind string) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindConfigSyntax:
		return http.StatusUnprocessableEntity
	case model.KindReload, model.KindChallenge, model.KindDNSPropagationTimeout, model.KindChallengeUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
