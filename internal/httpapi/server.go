package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Router *mux.Router
}

func New() *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	return &Server{Router: r}
}

func (s *Server) Handler() http.Handler { return Logging(s.Router) }
