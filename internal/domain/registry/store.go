package registry

import "context"

// ServerStore persists upstream server records.
type ServerStore interface {
	PutServer(ctx context.Context, server *Server) error
	GetServer(ctx context.Context, serverID string) (*Server, error)
	GetServerByURL(ctx context.Context, url string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	DeleteServer(ctx context.Context, serverID string) error
}
