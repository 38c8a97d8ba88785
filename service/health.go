package service

import (
	"net/http"
	"sync/atomic"

	"github.com/bytedance/sonic"
)

type health struct {
	maxFatal int64
	fatal    atomic.Int64
}

func (h *health) fail() {
	h.fatal.Add(1)
}

func (h *health) healthy() bool {
	return h.maxFatal <= 0 || h.fatal.Load() < h.maxFatal
}

type healthStatus struct {
	Status     string `json:"status"`
	Fatal      int64  `json:"fatal_failures"`
	Generation uint64 `json:"generation,omitempty"`
}

func writeStatus(w http.ResponseWriter, code int, st healthStatus) {
	data, err := sonic.Marshal(st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
