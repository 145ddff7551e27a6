package gateway

import (
	"encoding/json"
	"net/http"

	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/xerrors"
)

// errorEnvelope is the on-the-wire shape of a failure response (spec.md
// §6: `{"error": {"code", "message", "details"}}`).
type errorEnvelope struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// dataEnvelope wraps a success payload (spec.md §4.6: `{"data": ...}`).
type dataEnvelope struct {
	Data interface{} `json:"data"`
}

// writeData writes a 200 OK JSON envelope around payload.
func writeData(w http.ResponseWriter, payload interface{}) {
	writeJSON(w, http.StatusOK, dataEnvelope{Data: payload})
}

// statusForKind maps a Kind onto its HTTP status per spec.md §6/§7.
func statusForKind(kind xerrors.Kind) int {
	switch kind {
	case xerrors.Validation:
		return http.StatusBadRequest
	case xerrors.NotFound:
		return http.StatusNotFound
	case xerrors.Conflict:
		return http.StatusConflict
	case xerrors.RateLimited:
		return http.StatusTooManyRequests
	case xerrors.Unreachable, xerrors.Timeout, xerrors.RemoteError:
		return http.StatusServiceUnavailable
	case xerrors.Cancelled:
		return 0 // no response bytes, per spec.md §7's recovery policy
	case xerrors.DumpIo, xerrors.Malformed, xerrors.StorageIo, xerrors.DataCorruption, xerrors.VectorDim, xerrors.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// codeForError maps err's Kind onto the stable string vocabulary exposed
// in the JSON envelope's "code" field. NotFound is further specialized by
// the error's "resource" detail (spec.md §6's error-shape example and §8
// scenario 4 both require GET /articles/9999999 to produce
// "ARTICLE_NOT_FOUND", not the generic "NOT_FOUND").
func codeForError(err errors.E, kind xerrors.Kind) string {
	switch kind {
	case xerrors.Validation:
		return "VALIDATION_ERROR"
	case xerrors.NotFound:
		if resource, _ := errors.Details(err)["resource"].(string); resource == "article" {
			return "ARTICLE_NOT_FOUND"
		}
		return "NOT_FOUND"
	case xerrors.Conflict:
		return "CONFLICT"
	case xerrors.RateLimited:
		return "RATE_LIMITED"
	case xerrors.Unreachable, xerrors.Timeout, xerrors.RemoteError:
		return "SERVICE_UNAVAILABLE"
	case xerrors.DumpIo, xerrors.Malformed, xerrors.StorageIo, xerrors.DataCorruption, xerrors.VectorDim:
		return "INTERNAL_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// writeError maps err onto an HTTP status and JSON error envelope,
// logging the cause whenever it falls back to Internal (spec.md §7:
// "Internal is the only fallback kind and must be accompanied by a
// logged cause"). Cancelled errors write nothing, per the recovery
// policy: the client has already gone.
func writeError(w http.ResponseWriter, req *http.Request, err errors.E) {
	kind := xerrors.KindOf(err)
	if kind == xerrors.Cancelled {
		return
	}

	status := statusForKind(kind)
	if kind == xerrors.Internal {
		logFromRequest(req).Error().Err(err).Msg("internal error")
	}

	var body errorEnvelope
	body.Error.Code = codeForError(err, kind)
	body.Error.Message = err.Error()
	if details := errors.Details(err); len(details) > 0 {
		filtered := make(map[string]interface{}, len(details))
		for k, v := range details {
			if k == "kind" || k == "resource" {
				continue
			}
			filtered[k] = v
		}
		if len(filtered) > 0 {
			body.Error.Details = filtered
		}
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
