package server

import (
	"fmt"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sisu-network/lib/log"
)

type Server struct {
	handler       *rpc.Server
	listenAddress string
}

func NewServer(handler *rpc.Server, port int) *Server {
	return &Server{
		handler:       handler,
		listenAddress: fmt.Sprintf("0.0.0.0:%d", port),
	}
}

// NewRpcServer returns an rpc server exposing the api under the "ibc" namespace.
func NewRpcServer(api *ApiHandler) (*rpc.Server, error) {
	handler := rpc.NewServer()
	if err := handler.RegisterName("ibc", api); err != nil {
		return nil, err
	}

	return handler, nil
}

func (s *Server) Run() {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		panic(err)
	}

	srv := &http.Server{Handler: s.handler}
	log.Info("Running server at ", s.listenAddress)
	if err := srv.Serve(listener); err != nil {
		log.Error("Server stopped, err = ", err)
	}
}
