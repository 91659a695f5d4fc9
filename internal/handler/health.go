package handler

import "net/http"

// Health reports that the process is serving requests. It does not check the
// upstream or the session store.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
