package httpserver

import (
	"github.com/gorilla/mux"

	"inbox/internal/httpapi"
	"inbox/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	r := mux.NewRouter()
	r.Use(httpapi.Metrics(observability.GatewayRequests))
	return &Server{Mux: r}
}
