package gateway

import (
	"net/http"
)

type componentStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	RelationalStore componentStatus `json:"relational_store"`
	VectorStore     componentStatus `json:"vector_store"`
	Generator       componentStatus `json:"generator"`
}

// newStatusHandler builds the /status handler, which reports the
// relational store, vector store, and generation daemon as separate
// components (spec.md §4 unnamed module, promoted in SPEC_FULL.md's
// [SERVER LIFECYCLE]). Only the relational store is actually probed (a
// ping). The vector store is always reported ok, and the generator is
// reported ok unless cfg.GeneratorPing is set and returns false.
func newStatusHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()

		resp := statusResponse{}

		if err := cfg.RelStore.Ping(ctx); err != nil {
			resp.RelationalStore = componentStatus{OK: false, Error: err.Error()}
		} else {
			resp.RelationalStore = componentStatus{OK: true}
		}

		resp.VectorStore = componentStatus{OK: true}

		if cfg.GeneratorPing != nil {
			if cfg.GeneratorPing(ctx) {
				resp.Generator = componentStatus{OK: true}
			} else {
				resp.Generator = componentStatus{OK: false, Error: "generation daemon unreachable"}
			}
		} else {
			resp.Generator = componentStatus{OK: true}
		}

		writeData(w, resp)
	}
}
