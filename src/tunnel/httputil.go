package tunnel

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"sctl/src/apierr"
)

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func readAll(r io.Reader) []byte {
	if r == nil {
		return nil
	}
	data, _ := io.ReadAll(r)
	return data
}

func writeProblem(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.New(apierr.ExecFailed, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(apiErr.ErrCode))
	_ = json.NewEncoder(w).Encode(apiErr)
}
