package handlers

import (
	"net/http"
	"strconv"

	"github.com/sandgate-io/sandgate/internal/gateway"
	"github.com/sandgate-io/sandgate/internal/logging"
)

func GetLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			gateway.WriteError(w, r, gateway.Validation("lines must be a positive integer"))
			return
		}
		lines = n
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		gateway.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func ClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		gateway.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
