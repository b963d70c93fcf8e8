package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err)
	}
}
