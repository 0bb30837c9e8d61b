package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	nativecommon "crucible/native/common"
)

var errBadRequest = errors.New("bad request")

// statusFor maps an engine error kind onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest
	}
	switch nativecommon.Kind(err) {
	case "InvalidAmount", "InvalidConfig":
		return http.StatusBadRequest
	case "Unauthorized":
		return http.StatusForbidden
	case "PositionNotOpen", "InsufficientLiquidity", "SlippageExceeded", "NotLiquidatable":
		return http.StatusConflict
	case "ArithmeticOverflow":
		return http.StatusUnprocessableEntity
	case "StaleOracle", "OracleOutOfBounds", "ProtocolPaused":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: strings.TrimSpace(err.Error())}
	if !errors.Is(err, errBadRequest) {
		resp.Kind = nativecommon.Kind(err)
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if resp.Kind == "Internal" {
			resp.Error = http.StatusText(status)
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, requestLimit)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", errBadRequest)
		}
		return fmt.Errorf("%w: decode request: %v", errBadRequest, err)
	}
	return nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s required", errBadRequest, field)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a decimal integer: %v", errBadRequest, field, err)
	}
	return v, nil
}

func positionID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid position id %q", errBadRequest, raw)
	}
	return id, nil
}
