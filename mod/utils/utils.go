package utils

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

/*
	Common HTTP helpers shared by the control endpoints
*/

// SendJSONResponse writes v as a JSON body with status 200
func SendJSONResponse(w http.ResponseWriter, v interface{}) {
	SendJSONStatus(w, http.StatusOK, v)
}

// SendJSONStatus writes v as a JSON body with the given status
func SendJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(js)
}

// SendErrorResponse writes {"error": msg} with status 400
func SendErrorResponse(w http.ResponseWriter, errMsg string) {
	SendErrorStatus(w, http.StatusBadRequest, errMsg)
}

// SendErrorStatus writes {"error": msg} with the given status
func SendErrorStatus(w http.ResponseWriter, status int, errMsg string) {
	SendJSONStatus(w, status, map[string]string{"error": errMsg})
}

// SendOK writes the plain "OK" JSON string
func SendOK(w http.ResponseWriter) {
	SendJSONResponse(w, "OK")
}

// GetPara reads a required query parameter
func GetPara(r *http.Request, key string) (string, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return "", errors.New("invalid " + key + " given")
	}
	return value, nil
}

// DecodeJSONBody decodes a request body into v, an empty body leaves v unchanged
func DecodeJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
