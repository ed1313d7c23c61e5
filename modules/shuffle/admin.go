package shuffle

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// adminMux serves the operational surface: Prometheus metrics and a small
// status document. Separate from the shuffle port, which speaks only the
// pull protocol.
func (s *Server) adminMux() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status/shuffle", s.statusHandler).Methods(http.MethodGet)
	return r
}

type shuffleStatus struct {
	Port            int   `json:"port"`
	TLS             bool  `json:"tls"`
	LiveConnections int32 `json:"live_connections"`
	Applications    int   `json:"applications"`
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(shuffleStatus{
		Port:            s.BoundPort(),
		TLS:             s.tlsConfig != nil,
		LiveConnections: s.liveConns.Load(),
		Applications:    s.registry.Len(),
	})
}
