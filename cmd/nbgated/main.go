package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jovyan/nbgate/internal/config"
	"github.com/jovyan/nbgate/internal/daemon"
)

func main() {
	d := daemon.New(config.SocketPath())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		d.Stop()
		os.Exit(0)
	}()

	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}
