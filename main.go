package main

import (
	"context"

	"LiveDesk/server"
)

func main() {
	s := server.NewServer()
	s.StartConsumer(context.Background())
	s.Start(s.Config.Server.Addr)
}
